package chatmux

import (
	"github.com/Zereker/chatmux/decoder"
	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
)

// Errors reported while validating options.
var (
	// ErrBufferTooSmall is returned when the connection buffer cannot hold a
	// frame of the maximum size.
	ErrBufferTooSmall = errors.New("buffer smaller than maximum frame")
	// ErrInvalidFieldLen is returned for a negative maximum field length.
	ErrInvalidFieldLen = errors.New("invalid maximum field length")
	// ErrQueueTooSmall is returned when the outbound queue limit cannot hold
	// a frame of the maximum size.
	ErrQueueTooSmall = errors.New("queue limit smaller than maximum frame")
)

// Default configuration values.
const (
	// defaultBufferSize is the default capacity of each connection buffer.
	defaultBufferSize = 4096
	// defaultEventBuffer is the default number of readiness events handled
	// per poll.
	defaultEventBuffer = 128
	// defaultQueueBuffers is the default queue limit in multiples of the
	// buffer size.
	defaultQueueBuffers = 64
)

// options holds the configuration for a loop and its connections.
type options struct {
	logger   Logger
	registry gometrics.Registry

	// onMessage is called for every decoded message before it is broadcast.
	// A non-nil error closes the sending connection and drops the message.
	onMessage func(from *Conn, msg Message) error

	maxFieldLen int  // maximum declared length of sender and body
	bufferSize  int  // capacity of each inbound and outbound buffer
	eventBuffer int  // events collected per poll
	maxQueue    int  // encoded bytes a connection may hold queued
	strictUTF8  bool // reject fields that are not valid UTF-8
}

// Option is a function that configures loop options.
type Option func(*options)

// MaxFieldLenOption sets the maximum length of each frame field.
// Frames declaring a longer field are malformed. The default is 1024.
func MaxFieldLenOption(n int) Option {
	return func(o *options) {
		o.maxFieldLen = n
	}
}

// BufferSizeOption sets the capacity of each connection's inbound and
// outbound buffers. It must be at least MaxFrameLen of the maximum field
// length.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// MaxQueueOption sets how many encoded bytes may wait in a connection's
// outbound queue behind its buffer. A connection that would exceed it is
// closed. The default is 64 times the buffer size.
func MaxQueueOption(bytes int) Option {
	return func(o *options) {
		o.maxQueue = bytes
	}
}

// EventBufferOption sets how many readiness events are collected per poll.
func EventBufferOption(n int) Option {
	return func(o *options) {
		o.eventBuffer = n
	}
}

// StrictUTF8Option makes fields that are not valid UTF-8 malformed.
func StrictUTF8Option(strict bool) Option {
	return func(o *options) {
		o.strictUTF8 = strict
	}
}

// OnMessageOption sets a callback invoked for every decoded message before
// it is broadcast. If the callback reports an error, the message is dropped
// and the sending connection is closed.
func OnMessageOption(cb func(from *Conn, msg Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// LoggerOption sets the logger. If not set, the default slog logger is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption sets the registry where loop counters are registered.
// If not set, each loop uses a fresh registry.
func MetricsOption(reg gometrics.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

func newOptions(opt ...Option) (*options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}
	return &opts, nil
}

// checkOptions validates and sets default values for loop options.
func checkOptions(opts *options) error {
	if opts.maxFieldLen == 0 {
		opts.maxFieldLen = decoder.DefaultMaxLen
	}
	if opts.maxFieldLen < 0 {
		return errors.Wrapf(ErrInvalidFieldLen, "%d", opts.maxFieldLen)
	}

	frame := MaxFrameLen(opts.maxFieldLen)
	if opts.bufferSize <= 0 {
		opts.bufferSize = max(defaultBufferSize, frame)
	}
	if opts.bufferSize < frame {
		return errors.Wrapf(ErrBufferTooSmall, "buffer %d < frame %d", opts.bufferSize, frame)
	}

	if opts.maxQueue == 0 {
		opts.maxQueue = defaultQueueBuffers * opts.bufferSize
	}
	if opts.maxQueue < frame {
		return errors.Wrapf(ErrQueueTooSmall, "queue %d < frame %d", opts.maxQueue, frame)
	}

	if opts.eventBuffer <= 0 {
		opts.eventBuffer = defaultEventBuffer
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.registry == nil {
		opts.registry = gometrics.NewRegistry()
	}

	return nil
}
