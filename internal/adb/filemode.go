package adb

import (
	"io/fs"
	"time"
)

// FileMode is a raw Unix st_mode value as reported by the sync service.
type FileMode uint32

const (
	ModeTypeMask        FileMode = 0o170000
	ModeSocket          FileMode = 0o140000
	ModeSymbolicLink    FileMode = 0o120000
	ModeRegular         FileMode = 0o100000
	ModeBlockDevice     FileMode = 0o060000
	ModeDirectory       FileMode = 0o040000
	ModeCharacterDevice FileMode = 0o020000
	ModeFIFO            FileMode = 0o010000

	ModeSetUID FileMode = 0o4000
	ModeSetGID FileMode = 0o2000
	ModeSticky FileMode = 0o1000
	ModePerm   FileMode = 0o777
)

func (m FileMode) Type() FileMode {
	return m & ModeTypeMask
}

func (m FileMode) IsDir() bool {
	return m.Type() == ModeDirectory
}

func (m FileMode) IsRegular() bool {
	return m.Type() == ModeRegular
}

func (m FileMode) IsSymlink() bool {
	return m.Type() == ModeSymbolicLink
}

func (m FileMode) Perm() FileMode {
	return m & ModePerm
}

// FS converts the Unix mode into an io/fs mode.
func (m FileMode) FS() fs.FileMode {
	out := fs.FileMode(m.Perm())
	switch m.Type() {
	case ModeDirectory:
		out |= fs.ModeDir
	case ModeSymbolicLink:
		out |= fs.ModeSymlink
	case ModeSocket:
		out |= fs.ModeSocket
	case ModeFIFO:
		out |= fs.ModeNamedPipe
	case ModeBlockDevice:
		out |= fs.ModeDevice
	case ModeCharacterDevice:
		out |= fs.ModeDevice | fs.ModeCharDevice
	}
	if m&ModeSetUID != 0 {
		out |= fs.ModeSetuid
	}
	if m&ModeSetGID != 0 {
		out |= fs.ModeSetgid
	}
	if m&ModeSticky != 0 {
		out |= fs.ModeSticky
	}

	return out
}

func (m FileMode) String() string {
	return m.FS().String()
}

// FileModeFromFS is the inverse of FileMode.FS for the bits both sides know about.
func FileModeFromFS(mode fs.FileMode) FileMode {
	out := FileMode(mode.Perm())
	switch {
	case mode.IsDir():
		out |= ModeDirectory
	case mode&fs.ModeSymlink != 0:
		out |= ModeSymbolicLink
	case mode&fs.ModeSocket != 0:
		out |= ModeSocket
	case mode&fs.ModeNamedPipe != 0:
		out |= ModeFIFO
	case mode&fs.ModeCharDevice != 0:
		out |= ModeCharacterDevice
	case mode&fs.ModeDevice != 0:
		out |= ModeBlockDevice
	default:
		out |= ModeRegular
	}
	if mode&fs.ModeSetuid != 0 {
		out |= ModeSetUID
	}
	if mode&fs.ModeSetgid != 0 {
		out |= ModeSetGID
	}
	if mode&fs.ModeSticky != 0 {
		out |= ModeSticky
	}

	return out
}

// FileStatistics is a stat or directory entry record of the sync service.
type FileStatistics struct {
	Path    string
	Mode    FileMode
	Size    int64
	ModTime time.Time
}

// FileStatisticsV2 is the extended record returned by STA2 and LST2.
type FileStatisticsV2 struct {
	Path       string
	Mode       FileMode
	Size       int64
	Device     uint64
	Inode      uint64
	LinkCount  uint32
	UID        uint32
	GID        uint32
	AccessTime time.Time
	ModTime    time.Time
	ChangeTime time.Time
}
