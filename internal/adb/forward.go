package adb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ForwardProtocol is the transport kind of one side of a port forward.
type ForwardProtocol string

const (
	ForwardTCP             ForwardProtocol = "tcp"
	ForwardLocalAbstract   ForwardProtocol = "localabstract"
	ForwardLocalReserved   ForwardProtocol = "localreserved"
	ForwardLocalFilesystem ForwardProtocol = "localfilesystem"
	ForwardDevice          ForwardProtocol = "dev"
	ForwardJDWP            ForwardProtocol = "jdwp"
)

var ErrInvalidForwardSpec = errors.New("invalid forward spec")

// ForwardSpec is one endpoint of a forward, such as tcp:8080 or localabstract:chrome.
// Which payload field is meaningful depends on Protocol.
type ForwardSpec struct {
	Protocol   ForwardProtocol
	Port       int
	SocketName string
	ProcessID  int
}

func TCPForward(port int) ForwardSpec {
	return ForwardSpec{Protocol: ForwardTCP, Port: port}
}

// ParseForwardSpec parses the textual form used by adb forward and reverse.
func ParseForwardSpec(spec string) (ForwardSpec, error) {
	proto, payload, ok := strings.Cut(spec, ":")
	if !ok || payload == "" {
		return ForwardSpec{}, fmt.Errorf("%w: %q", ErrInvalidForwardSpec, spec)
	}

	fs := ForwardSpec{Protocol: ForwardProtocol(proto)}
	switch fs.Protocol {
	case ForwardTCP, ForwardJDWP:
		n, err := strconv.Atoi(payload)
		if err != nil || n < 0 {
			return ForwardSpec{}, fmt.Errorf("%w: %q", ErrInvalidForwardSpec, spec)
		}
		if fs.Protocol == ForwardTCP {
			fs.Port = n
		} else {
			fs.ProcessID = n
		}
	case ForwardLocalAbstract, ForwardLocalReserved, ForwardLocalFilesystem, ForwardDevice:
		fs.SocketName = payload
	default:
		return ForwardSpec{}, fmt.Errorf("%w: unknown protocol %q", ErrInvalidForwardSpec, proto)
	}

	return fs, nil
}

func (f ForwardSpec) String() string {
	switch f.Protocol {
	case ForwardTCP:
		return fmt.Sprintf("%s:%d", f.Protocol, f.Port)
	case ForwardJDWP:
		return fmt.Sprintf("%s:%d", f.Protocol, f.ProcessID)
	case ForwardLocalAbstract, ForwardLocalReserved, ForwardLocalFilesystem, ForwardDevice:
		return string(f.Protocol) + ":" + f.SocketName
	default:
		return ""
	}
}

// Forward is one line of list-forward output.
type Forward struct {
	Serial string
	Local  ForwardSpec
	Remote ForwardSpec
}

// ParseForwardList parses "<serial> <local> <remote>" lines.
func ParseForwardList(payload string) ([]Forward, error) {
	var out []Forward
	for _, line := range strings.Split(payload, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: forward line %q", ErrInvalidForwardSpec, line)
		}
		local, err := ParseForwardSpec(fields[1])
		if err != nil {
			return nil, err
		}
		remote, err := ParseForwardSpec(fields[2])
		if err != nil {
			return nil, err
		}
		out = append(out, Forward{Serial: fields[0], Local: local, Remote: remote})
	}

	return out, nil
}
