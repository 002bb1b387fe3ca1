// Package history persists the chat log. XMLFile is the primary record and
// is reloaded on start; SQLiteStore mirrors every run for later browsing.
package history

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"agentchat/internal/chat"
)

const (
	xmlHeader  = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"
	chatCloser = "</chat>\n"
	// tailProbe is how far from the end Open searches for the closing tag.
	tailProbe = 4096
)

// ErrTruncatedHistory is returned with the messages recovered from a file
// that ends mid-record.
var ErrTruncatedHistory = errors.New("history file is truncated")

type xmlMessage struct {
	XMLName  xml.Name `xml:"message"`
	Sequence int64    `xml:"sequence,attr,omitempty"`
	From     string   `xml:"from,attr"`
	To       string   `xml:"to,attr,omitempty"`
	Kind     string   `xml:"kind,attr,omitempty"`
	Time     string   `xml:"time,attr,omitempty"`
	Body     string   `xml:",chardata"`
}

func toXML(msg chat.Message) xmlMessage {
	rec := xmlMessage{
		Sequence: msg.Sequence,
		From:     string(msg.Sender),
		To:       string(addressee(msg)),
		Kind:     string(msg.Kind),
		Body:     msg.Body,
	}
	if !msg.CreatedAt.IsZero() {
		rec.Time = msg.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return rec
}

// addressee fills the "to" attribute older chat_log.xml readers rely on.
func addressee(msg chat.Message) chat.Role {
	switch {
	case msg.Sender == chat.RoleUser:
		return chat.RoleChatbot
	case msg.Sender == chat.RoleTerminal:
		return chat.RoleChatbot
	case msg.Kind == chat.KindCommandRequest:
		return chat.RoleTerminal
	default:
		return chat.RoleUser
	}
}

// fromXML converts a stored record. Records without sequence or kind come
// from the older from/to format; they get the next sequence and a kind
// inferred from the addressing.
func fromXML(rec xmlMessage, prev int64) (chat.Message, error) {
	msg := chat.Message{
		Sequence: rec.Sequence,
		Sender:   chat.Role(strings.ToLower(strings.TrimSpace(rec.From))),
		Kind:     chat.Kind(rec.Kind),
		Body:     rec.Body,
	}
	if msg.Sequence == 0 {
		msg.Sequence = prev + 1
	}
	if !msg.Sender.Valid() {
		return chat.Message{}, fmt.Errorf("record %d: unknown sender %q", msg.Sequence, rec.From)
	}
	if msg.Kind == "" {
		switch {
		case msg.Sender == chat.RoleChatbot && strings.EqualFold(rec.To, string(chat.RoleTerminal)):
			msg.Kind = chat.KindCommandRequest
			msg.Body = strings.TrimSpace(msg.Body)
		case msg.Sender == chat.RoleTerminal:
			msg.Kind = chat.KindCommandResult
			msg.Body = chat.CommandResult{Output: strings.TrimRight(msg.Body, "\r\n")}.Encode()
		default:
			msg.Kind = chat.KindPlainText
		}
	}
	if !msg.Kind.Valid() {
		return chat.Message{}, fmt.Errorf("record %d: unknown kind %q", msg.Sequence, rec.Kind)
	}
	if rec.Time != "" {
		if ts, err := time.Parse(time.RFC3339Nano, rec.Time); err == nil {
			msg.CreatedAt = ts
		}
	}
	return msg, nil
}

// LoadXML reads every record from path. A missing or empty file yields no
// messages. A file cut off mid-record yields the complete records before
// the cut together with ErrTruncatedHistory.
func LoadXML(path string) ([]chat.Message, string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read history %s: %w", path, err)
	}
	return decodeXML(data)
}

func decodeXML(data []byte) ([]chat.Message, string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, "", nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	var (
		out     []chat.Message
		session string
		prev    int64
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, session, nil
		}
		if err != nil {
			return out, session, fmt.Errorf("%w: %v", ErrTruncatedHistory, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "chat":
			for _, attr := range start.Attr {
				if attr.Name.Local == "session" {
					session = attr.Value
				}
			}
		case "message":
			var rec xmlMessage
			if err := dec.DecodeElement(&rec, &start); err != nil {
				return out, session, fmt.Errorf("%w: %v", ErrTruncatedHistory, err)
			}
			msg, err := fromXML(rec, prev)
			if err != nil {
				return out, session, err
			}
			if msg.Sequence <= prev {
				return out, session, fmt.Errorf("record %d: sequence not after %d", msg.Sequence, prev)
			}
			prev = msg.Sequence
			out = append(out, msg)
		}
	}
}

// XMLFile appends one <message> record per log append. The file stays a
// complete document after every write: each record is written over the
// closing tag, which is then rewritten after it.
type XMLFile struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	closeAt int64
	session string
}

// OpenXML opens or creates the history file at path. A new file records
// session on its root element; an existing file keeps its own. A truncated
// file is rewritten from its recoverable records first.
func OpenXML(path, session string) (*XMLFile, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	x := &XMLFile{path: path, f: f, session: session}
	if err := x.locateCloser(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return x, nil
}

func (x *XMLFile) locateCloser() error {
	info, err := x.f.Stat()
	if err != nil {
		return fmt.Errorf("stat history: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return x.rewrite(nil, x.session)
	}
	probe := int64(tailProbe)
	if probe > size {
		probe = size
	}
	tail := make([]byte, probe)
	if _, err := x.f.ReadAt(tail, size-probe); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read history tail: %w", err)
	}
	if idx := bytes.LastIndex(tail, []byte("</chat>")); idx >= 0 {
		x.closeAt = size - probe + int64(idx)
		return nil
	}

	data, err := os.ReadFile(x.path)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	msgs, session, err := decodeXML(data)
	if err != nil && !errors.Is(err, ErrTruncatedHistory) {
		return err
	}
	if session == "" {
		session = x.session
	}
	return x.rewrite(msgs, session)
}

// rewrite replaces the file content with a complete document.
func (x *XMLFile) rewrite(msgs []chat.Message, session string) error {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	if session != "" {
		buf.WriteString(`<chat session="`)
		if err := xml.EscapeText(&buf, []byte(session)); err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		buf.WriteString("\">\n")
	} else {
		buf.WriteString("<chat>\n")
	}
	for _, msg := range msgs {
		rec, err := encodeRecord(msg)
		if err != nil {
			return err
		}
		buf.Write(rec)
	}
	closeAt := int64(buf.Len())
	buf.WriteString(chatCloser)
	if err := x.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate history: %w", err)
	}
	if _, err := x.f.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	x.closeAt = closeAt
	return nil
}

func encodeRecord(msg chat.Message) ([]byte, error) {
	rec, err := xml.Marshal(toXML(msg))
	if err != nil {
		return nil, fmt.Errorf("encode record %d: %w", msg.Sequence, err)
	}
	return append(append([]byte("  "), rec...), '\n'), nil
}

// Record implements chat.Sink.
func (x *XMLFile) Record(msg chat.Message) error {
	rec, err := encodeRecord(msg)
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.f == nil {
		return errors.New("history file closed")
	}
	if _, err := x.f.WriteAt(append(rec, chatCloser...), x.closeAt); err != nil {
		return fmt.Errorf("append history record %d: %w", msg.Sequence, err)
	}
	x.closeAt += int64(len(rec))
	return nil
}

func (x *XMLFile) Path() string { return x.path }

// Close flushes the file to disk.
func (x *XMLFile) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.f == nil {
		return nil
	}
	syncErr := x.f.Sync()
	closeErr := x.f.Close()
	x.f = nil
	return errors.Join(syncErr, closeErr)
}
