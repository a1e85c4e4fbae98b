package event

import (
	"errors"
	"fmt"
	"sync"
)

// BusLogger 定义事件总线内部日志接口。
type BusLogger interface {
	Printf(format string, v ...any)
}

// BusOption 为 Bus 提供可选配置。
type BusOption func(*busConfig)

// Bus 根据事件类型将消息路由到三条物理通道，带缓冲与封口能力。UI 与语音
// 代理各自消费所需通道，互不阻塞。
type Bus struct {
	ui      *channelBinding
	control *channelBinding
	monitor *channelBinding

	mu     sync.RWMutex
	sealed bool
	logger BusLogger
}

var (
	errNilBus         = errors.New("event: bus is nil")
	errUnknownEvent   = errors.New("event: unknown type")
	errUnboundUI      = errors.New("event: ui channel not bound")
	errUnboundControl = errors.New("event: control channel not bound")
	errUnboundMonitor = errors.New("event: monitor channel not bound")

	// ErrBusSealed 表示事件总线已封口。
	ErrBusSealed = errors.New("event: bus sealed")
)

const defaultBufferSize = 64

type busConfig struct {
	bufferSize int
	logger     BusLogger
}

// NewBus 创建解耦事件总线，使用缓冲队列避免直接阻塞生产者。未绑定（nil）
// 的通道上的事件会被安静丢弃并记录日志。
func NewBus(ui, control, monitor chan<- Event, opts ...BusOption) *Bus {
	cfg := busConfig{bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bus{
		ui:      newChannelBinding(ChannelUI, ui, cfg.bufferSize, errUnboundUI, cfg.logger),
		control: newChannelBinding(ChannelControl, control, cfg.bufferSize, errUnboundControl, cfg.logger),
		monitor: newChannelBinding(ChannelMonitor, monitor, cfg.bufferSize, errUnboundMonitor, cfg.logger),
		logger:  cfg.logger,
	}
}

// Emit 根据事件类型映射到对应的通道。
func (b *Bus) Emit(evt Event) error {
	if b == nil {
		return errNilBus
	}
	normalized := normalizeEvent(evt)
	if err := normalized.Validate(); err != nil {
		return err
	}

	binding, err := b.bindingForType(normalized.Type)
	if err != nil {
		return err
	}

	b.mu.RLock()
	sealed := b.sealed
	b.mu.RUnlock()
	if sealed {
		return ErrBusSealed
	}

	if err := binding.enqueue(normalized); err != nil {
		if b.logger != nil {
			b.logger.Printf("event: drop %s on %s channel: %v", normalized.Type, binding.name, err)
		}
		return err
	}
	return nil
}

// Seal 封口，拒绝新的事件写入；shell 关闭时调用。
func (b *Bus) Seal() error {
	if b == nil {
		return errNilBus
	}
	b.mu.Lock()
	if b.sealed {
		b.mu.Unlock()
		return ErrBusSealed
	}
	b.sealed = true
	b.mu.Unlock()

	b.ui.close()
	b.control.close()
	b.monitor.close()
	return nil
}

// Sealed 返回当前是否已封口。
func (b *Bus) Sealed() bool {
	if b == nil {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sealed
}

// WithBufferSize 配置内部缓冲长度（>=1）。
func WithBufferSize(size int) BusOption {
	return func(cfg *busConfig) {
		if size < 1 {
			size = 1
		}
		cfg.bufferSize = size
	}
}

// WithLogger 为 Bus 指定日志记录器。
func WithLogger(l BusLogger) BusOption {
	return func(cfg *busConfig) {
		cfg.logger = l
	}
}

func (b *Bus) bindingForType(t EventType) (*channelBinding, error) {
	ch, ok := channelForType(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownEvent, t)
	}
	switch ch {
	case ChannelUI:
		return b.ui, nil
	case ChannelControl:
		return b.control, nil
	case ChannelMonitor:
		return b.monitor, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownEvent, t)
	}
}

type channelBinding struct {
	name       Channel
	buffer     chan Event
	sink       chan<- Event
	errUnbound error
	log        BusLogger
	wg         sync.WaitGroup
}

func newChannelBinding(name Channel, sink chan<- Event, bufferSize int, errUnbound error, logger BusLogger) *channelBinding {
	if bufferSize < 1 {
		bufferSize = 1
	}
	cb := &channelBinding{
		name:       name,
		buffer:     make(chan Event, bufferSize),
		sink:       sink,
		errUnbound: errUnbound,
		log:        logger,
	}
	cb.wg.Add(1)
	go cb.forward()
	return cb
}

func (c *channelBinding) enqueue(evt Event) (err error) {
	if c == nil {
		return errors.New("event: channel binding missing")
	}
	if c.sink == nil {
		return c.errUnbound
	}
	defer func() {
		if r := recover(); r != nil {
			err = ErrBusSealed
		}
	}()
	c.buffer <- evt
	return nil
}

func (c *channelBinding) close() {
	if c == nil {
		return
	}
	close(c.buffer)
	c.wg.Wait()
}

func (c *channelBinding) forward() {
	defer c.wg.Done()
	for evt := range c.buffer {
		c.safeSend(evt)
	}
}

func (c *channelBinding) safeSend(evt Event) {
	if c.sink == nil {
		if c.log != nil {
			c.log.Printf("event: %s channel is nil, dropping %s", c.name, evt.Type)
		}
		return
	}
	defer func() {
		if r := recover(); r != nil && c.log != nil {
			c.log.Printf("event: recovered while sending to %s: %v", c.name, r)
		}
	}()
	c.sink <- evt
}
