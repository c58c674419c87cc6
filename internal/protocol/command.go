package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// CommandKind discriminates the requests a client may issue once the handshake is done.
type CommandKind int

const (
	CommandList CommandKind = iota
	CommandDownload
)

const (
	tagList     = "list"
	tagDownload = "download"
)

func (k CommandKind) String() string {
	switch k {
	case CommandList:
		return tagList
	case CommandDownload:
		return tagDownload
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is one decoded request frame. Path and HaveBytes are only
// meaningful for CommandDownload.
type Command struct {
	Kind      CommandKind
	Path      string
	HaveBytes uint64
}

// List returns a list request.
func List() Command {
	return Command{Kind: CommandList}
}

// Download returns a download request for path, claiming have bytes are already held.
func Download(path string, have uint64) Command {
	return Command{Kind: CommandDownload, Path: path, HaveBytes: have}
}

// Body renders the frame body of cmd without the length prefix.
func (c Command) Body() ([]byte, error) {
	switch c.Kind {
	case CommandList:
		return []byte(tagList), nil
	case CommandDownload:
		if c.Path == "" || strings.ContainsAny(c.Path, "\n") {
			return nil, fmt.Errorf("%w: invalid path %q", ErrMalformed, c.Path)
		}
		var b bytes.Buffer
		b.WriteString(tagDownload)
		b.WriteByte('\n')
		b.WriteString(c.Path)
		b.WriteByte('\n')
		b.WriteString(strconv.FormatUint(c.HaveBytes, 10))
		b.WriteByte('\n')
		return b.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, c.Kind)
	}
}

// EncodeCommand renders cmd as a complete length-prefixed frame.
func EncodeCommand(cmd Command) ([]byte, error) {
	body, err := cmd.Body()
	if err != nil {
		return nil, err
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(body)), body), nil
}

// ParseCommand decodes a frame body.
func ParseCommand(body []byte) (Command, error) {
	if len(body) == 0 {
		return Command{}, fmt.Errorf("%w: empty request", ErrMalformed)
	}
	text := string(body)
	tag, rest, hasRest := strings.Cut(text, "\n")

	switch tag {
	case tagList:
		if hasRest && rest != "" {
			return Command{}, fmt.Errorf("%w: list takes no arguments", ErrMalformed)
		}
		return List(), nil
	case tagDownload:
		if !hasRest {
			return Command{}, fmt.Errorf("%w: download without path", ErrMalformed)
		}
		rest = strings.TrimSuffix(rest, "\n")
		path, haveField, ok := strings.Cut(rest, "\n")
		if !ok {
			return Command{}, fmt.Errorf("%w: download without byte count", ErrMalformed)
		}
		if path == "" {
			return Command{}, fmt.Errorf("%w: empty path", ErrMalformed)
		}
		have, err := strconv.ParseUint(haveField, 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: byte count %q", ErrMalformed, haveField)
		}
		return Download(path, have), nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, tag)
	}
}

// DecodeCommand decodes the first frame in buf and reports how many bytes it used.
func DecodeCommand(buf []byte, maxSize int) (Command, int, error) {
	body, n, err := SplitFrame(buf, maxSize)
	if err != nil {
		return Command{}, 0, err
	}
	cmd, err := ParseCommand(body)
	if err != nil {
		return Command{}, n, err
	}
	return cmd, n, nil
}

// EncodeList renders the list response: one path per line, the final entry un-terminated.
func EncodeList(paths []string) []byte {
	return AppendFrame(nil, []byte(strings.Join(paths, "\n")))
}

// ParseList splits a list response body back into paths.
func ParseList(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	return strings.Split(string(body), "\n")
}
