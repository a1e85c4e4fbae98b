package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType 表示事件类型，按业务语义划分。
type EventType string

const (
	// UI channel
	EventCommandSet       EventType = "command_set"
	EventCommandResult    EventType = "command_result"
	EventNavigationIntent EventType = "navigation_intent"
	EventAuthChanged      EventType = "auth_changed"
	EventAppLoaded        EventType = "app_loaded"

	// Control channel
	EventExecute EventType = "execute"

	// Monitor channel
	EventMetrics EventType = "metrics"
	EventAudit   EventType = "audit"
	EventError   EventType = "error"
)

// Channel 描述 UI/Control/Monitor 三条物理通道。
type Channel string

const (
	ChannelUI      Channel = "ui"
	ChannelControl Channel = "control"
	ChannelMonitor Channel = "monitor"
)

var typeToChannel = map[EventType]Channel{
	EventCommandSet:       ChannelUI,
	EventCommandResult:    ChannelUI,
	EventNavigationIntent: ChannelUI,
	EventAuthChanged:      ChannelUI,
	EventAppLoaded:        ChannelUI,
	EventExecute:          ChannelControl,
	EventMetrics:          ChannelMonitor,
	EventAudit:            ChannelMonitor,
	EventError:            ChannelMonitor,
}

// Event 描述一次事件推送。
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	AppID     string    `json:"app_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// NewEvent 构造函数，自动填充 ID/Timestamp。
func NewEvent(typ EventType, appID string, data any) Event {
	return normalizeEvent(Event{Type: typ, AppID: appID, Data: data})
}

// Validate 检查事件是否符合约束。
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.New("event: type is empty")
	}
	if _, ok := typeToChannel[e.Type]; !ok {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	return nil
}

// Channel 返回事件所属的物理通道。
func (t EventType) Channel() (Channel, bool) {
	ch, ok := typeToChannel[t]
	return ch, ok
}

func normalizeEvent(evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return evt
}

// NavigationIntentData 描述宿主 UI 需要应用的导航意图。
type NavigationIntentData struct {
	URL string `json:"url"`
	// Direct 表示没有活动外部应用，宿主应直接改写地址。
	Direct bool `json:"direct,omitempty"`
}

// CommandResultData 描述一次命令执行结果。
type CommandResultData struct {
	CommandID string        `json:"command_id"`
	OK        bool          `json:"ok"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// CommandSetData 描述当前可见命令集的快照。
type CommandSetData struct {
	Commands []CommandSummary `json:"commands"`
}

// CommandSummary 供 UI 和语音代理展示的轻量命令视图。
type CommandSummary struct {
	ID          string   `json:"id"`
	Triggers    []string `json:"triggers"`
	Description string   `json:"description,omitempty"`
	Icon        string   `json:"icon,omitempty"`
}

// ExecuteData 描述 execute 动作派发的同进程事件。
type ExecuteData struct {
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail,omitempty"`
}

// AuthChangedData 描述认证状态变化。
type AuthChangedData struct {
	Authenticated bool           `json:"authenticated"`
	User          map[string]any `json:"user,omitempty"`
	RedirectTo    string         `json:"redirect_to,omitempty"`
}

// ErrorData 对监控/审计友好的错误表示。
type ErrorData struct {
	Message     string `json:"message"`
	Kind        string `json:"kind,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// channelForType 返回通道（供内部使用）。
func channelForType(t EventType) (Channel, bool) {
	return t.Channel()
}
