package app

const (
	Name           = "adbwire"
	ConfigFilename = "config.json"
	DBFilename     = "history.db"
	LogFilename    = "adbwire.log"
)
