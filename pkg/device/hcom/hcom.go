// Package hcom implements device.Connection on top of the line-oriented
// command protocol spoken by the Meadow firmware over its serial port.
//
// Every request is a single line: `<VERB> [args...]`. The device answers with
// zero or more data lines followed by `OK` or `ERR <message>`. At any time the
// device may also emit `MSG <source> <text>` lines containing console output,
// which are forwarded to subscribers rather than treated as responses.
//
// File contents are sent raw after a `WRITE <name> <size> <crc32>` header. The
// device checks the CRC32 of what it received before answering `OK`.
package hcom

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/meadow/pkg/device"
	"github.com/sidkik/meadow/pkg/errors"
	"github.com/sidkik/meadow/pkg/sync"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

const (
	defaultTimeout   = 10 * time.Second
	defaultChunkSize = 4096

	// Console output is dropped for subscribers that fall this far behind.
	subscriberBuffer = 64
)

var (
	errTimeout = errors.New("timed out waiting for response")

	// errOutOfSync is the cause for commands sent after a response timed
	// out. The late response may still arrive, and would otherwise be read
	// as the response to the next command.
	errOutOfSync = errors.New("an earlier response timed out")
)

// Options configures a connection.
type Options struct {
	// Timeout bounds how long to wait for each response line.
	Timeout time.Duration

	// ChunkSize is the number of bytes written between progress reports.
	ChunkSize int

	Clock clockwork.Clock
}

func (opts Options) withDefaults() Options {
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return opts
}

type conn struct {
	route string
	rw    io.ReadWriteCloser
	opts  Options

	responses chan string

	// done is closed once the read loop exits. readErr holds the reason.
	done    chan struct{}
	readErr error

	closed    chan struct{}
	closeOnce goSync.Once

	// timedOut is set once a response times out. No further commands are
	// sent.
	timedOut bool

	subsLock goSync.Mutex
	subs     map[int]chan device.Message
	nextSub  int
}

// New returns a Connection that speaks the command protocol over `rw`.
func New(route string, rw io.ReadWriteCloser, opts Options) device.Connection {
	c := &conn{
		route:     route,
		rw:        rw,
		opts:      opts.withDefaults(),
		responses: make(chan string, 16),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
		subs:      map[int]chan device.Message{},
	}
	go c.readLoop()
	return c
}

func (c *conn) Route() string {
	return c.route
}

func (c *conn) readLoop() {
	defer close(c.done)

	reader := bufio.NewReader(c.rw)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			c.readErr = err
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "MSG ") {
			c.publish(parseMessage(line))
			continue
		}

		select {
		case c.responses <- line:
		case <-c.closed:
			return
		}
	}
}

func parseMessage(line string) device.Message {
	fields := strings.SplitN(line, " ", 3)
	msg := device.Message{Source: fields[1]}
	if len(fields) == 3 {
		msg.Text = fields[2]
	}
	return msg
}

func (c *conn) publish(msg device.Message) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	for _, sub := range c.subs {
		select {
		case sub <- msg:
		default:
			log.WithField("source", msg.Source).Debug("Dropping device message for slow subscriber")
		}
	}
}

func (c *conn) Subscribe() (<-chan device.Message, func()) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan device.Message, subscriberBuffer)
	c.subs[id] = ch

	var once goSync.Once
	cancel := func() {
		once.Do(func() {
			c.subsLock.Lock()
			defer c.subsLock.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.subsLock.Lock()
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub)
	}
	c.subsLock.Unlock()

	return c.rw.Close()
}

func (c *conn) send(ctx context.Context, op string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.timedOut {
		return errors.ConnectionLost{Op: op, Cause: errOutOfSync}
	}

	line := strings.Join(append([]string{op}, args...), " ") + "\n"
	if _, err := io.WriteString(c.rw, line); err != nil {
		return errors.ConnectionLost{Op: op, Cause: err}
	}
	return nil
}

// readLine returns the next response line. Console messages are never
// returned.
func (c *conn) readLine(op string) (string, error) {
	select {
	case line := <-c.responses:
		return line, nil
	case <-c.done:
		// Drain responses that arrived before the connection dropped.
		select {
		case line := <-c.responses:
			return line, nil
		default:
		}
		return "", errors.ConnectionLost{Op: op, Cause: c.readErr}
	case <-c.opts.Clock.After(c.opts.Timeout):
		c.timedOut = true
		return "", errors.ConnectionLost{Op: op, Cause: errTimeout}
	}
}

// roundTrip sends a command and collects the data lines of the response.
func (c *conn) roundTrip(ctx context.Context, op string, args ...string) ([]string, error) {
	if err := c.send(ctx, op, args...); err != nil {
		return nil, err
	}
	return c.readResponse(op)
}

func (c *conn) readResponse(op string) ([]string, error) {
	var data []string
	for {
		line, err := c.readLine(op)
		if err != nil {
			return nil, err
		}

		switch {
		case line == "OK":
			return data, nil
		case line == "ERR" || strings.HasPrefix(line, "ERR "):
			return nil, responseError(strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
		default:
			data = append(data, line)
		}
	}
}

// responseError is an error reported by the device itself.
type responseError string

func (err responseError) Error() string {
	if err == "" {
		return "device reported an error"
	}
	return string(err)
}

func (c *conn) GetDeviceInfo(ctx context.Context) (device.Info, error) {
	lines, err := c.roundTrip(ctx, "INFO")
	if err != nil {
		return device.Info{}, err
	}

	props := map[string]string{}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "INFO" {
			return device.Info{}, errors.New("unexpected response: %q", line)
		}

		for _, pair := range fields[1:] {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				continue
			}
			props[kv[0]] = kv[1]
		}
	}

	if props["os"] == "" {
		return device.Info{}, errors.MissingFieldError{Field: "os"}
	}
	return device.ParseInfo(props), nil
}

func (c *conn) ListFiles(ctx context.Context) (sync.Inventory, error) {
	lines, err := c.roundTrip(ctx, "LIST")
	if err != nil {
		return nil, err
	}

	inv := sync.Inventory{}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "FILE" {
			return nil, errors.New("unexpected response: %q", line)
		}

		crc, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			return nil, errors.WithContext(err, fmt.Sprintf("parse crc of %s", fields[1]))
		}
		inv = append(inv, sync.FileRecord{Name: fields[1], Fingerprint: uint32(crc)})
	}
	return inv, nil
}

func (c *conn) DeleteFile(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return errors.IoError{Op: "delete", Name: name, Message: err.Error()}
	}

	_, err := c.roundTrip(ctx, "DEL", name)
	if msg, ok := err.(responseError); ok {
		return errors.IoError{Op: "delete", Name: name, Message: msg.Error()}
	}
	return err
}

func (c *conn) WriteFile(ctx context.Context, localPath, remoteName string,
	progress device.ProgressFunc) error {

	if err := validateName(remoteName); err != nil {
		return errors.IoError{Op: "write", Name: remoteName, Message: err.Error()}
	}

	contents, err := afero.ReadFile(fs, localPath)
	if err != nil {
		return errors.WithContext(err, "read local file")
	}

	total := int64(len(contents))
	header := []string{remoteName, strconv.FormatInt(total, 10),
		fmt.Sprintf("%08x", sync.Fingerprint(contents))}
	if err := c.send(ctx, "WRITE", header...); err != nil {
		return err
	}

	// The device expects exactly `total` bytes after the header, so the
	// body is always sent in full once the header is out.
	if progress != nil {
		progress(0, total)
	}
	for sent := 0; sent < len(contents); {
		end := sent + c.opts.ChunkSize
		if end > len(contents) {
			end = len(contents)
		}

		if _, err := c.rw.Write(contents[sent:end]); err != nil {
			return errors.ConnectionLost{Op: "WRITE", Cause: err}
		}
		sent = end

		if progress != nil {
			progress(int64(sent), total)
		}
	}

	_, err = c.readResponse("WRITE")
	if msg, ok := err.(responseError); ok {
		return errors.IoError{Op: "write", Name: remoteName, Message: msg.Error()}
	}
	return err
}

func (c *conn) IsRuntimeEnabled(ctx context.Context) (bool, error) {
	lines, err := c.roundTrip(ctx, "RUNTIME?")
	if err != nil {
		return false, err
	}

	for _, line := range lines {
		switch line {
		case "RUNTIME on":
			return true, nil
		case "RUNTIME off":
			return false, nil
		}
	}
	return false, errors.New("missing runtime state in response: %q", lines)
}

func (c *conn) SetRuntimeEnabled(ctx context.Context, enabled bool) error {
	state := "off"
	if enabled {
		state = "on"
	}
	_, err := c.roundTrip(ctx, "RUNTIME", state)
	return err
}

func (c *conn) Reset(ctx context.Context) error {
	return c.send(ctx, "RESET")
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\r\n/\\") {
		return errors.New("invalid file name %q", name)
	}
	return nil
}
