package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Millis is a Unix timestamp in milliseconds, the unit the remote
// authority uses on the wire for every timestamp field.
type Millis int64

// MillisOf converts t to Millis. The zero time maps to 0.
func MillisOf(t time.Time) Millis {
	if t.IsZero() {
		return 0
	}
	return Millis(t.UnixMilli())
}

// Time converts m back to a UTC time.Time. 0 maps to the zero time.
func (m Millis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m)).UTC()
}

// Priority ranks a dashboard item.
type Priority string

// Priority constants, lowest to highest.
const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// ParsePriority parses a case-insensitive priority name.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToUpper(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p, nil
	case "":
		return PriorityMedium, nil
	default:
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
	}
}

// ItemStatus is the lifecycle status of a dashboard item. Local moves set
// it from the destination list; a status received from the server is kept
// as sent even when it disagrees with the list.
type ItemStatus string

// Item status constants.
const (
	StatusPending    ItemStatus = "PENDING"
	StatusInProgress ItemStatus = "IN_PROGRESS"
	StatusDone       ItemStatus = "DONE"
)

// Valid reports whether s is one of the known statuses.
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// ListName identifies one of the three item lists of a dashboard.
type ListName string

// List name constants.
const (
	ListTodo    ListName = "todo"
	ListMission ListName = "mission"
	ListDone    ListName = "done"
)

// ParseListName parses a list name as typed on the command line.
func ParseListName(s string) (ListName, error) {
	switch l := ListName(strings.ToLower(strings.TrimSpace(s))); l {
	case ListTodo, ListMission, ListDone:
		return l, nil
	default:
		return "", &ValidationError{Field: "list", Reason: fmt.Sprintf("unknown list %q (want todo, mission or done)", s)}
	}
}

// Status returns the item status implied by membership in l.
func (l ListName) Status() ItemStatus {
	switch l {
	case ListMission:
		return StatusInProgress
	case ListDone:
		return StatusDone
	default:
		return StatusPending
	}
}

// Item is a task on the dashboard. It belongs to exactly one of the
// todo, mission or done lists.
type Item struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Priority      Priority   `json:"priority"`
	Status        ItemStatus `json:"status"`
	AssignedAgent string     `json:"assignedBot,omitempty"`
	ETA           Millis     `json:"eta,omitempty"`
	CompletedAt   Millis     `json:"completedAt,omitempty"`
	UpdatedAt     Millis     `json:"updatedAt"`
}

// Note is a free-form note on the dashboard.
type Note struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Category  string `json:"category"`
	UpdatedAt Millis `json:"updatedAt"`
}

// Rule is a workflow rule the remote agents follow.
type Rule struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Type            string   `json:"ruleType"`
	IsEnabled       bool     `json:"isEnabled"`
	AssignedTargets []string `json:"assignedEntities,omitempty"`
	UpdatedAt       Millis   `json:"updatedAt"`
}

// DashboardSnapshot is the full composite document shared with the
// remote authority. Version changes only as a result of a confirmed
// upload or download.
type DashboardSnapshot struct {
	TodoList     []Item `json:"todoList"`
	MissionList  []Item `json:"missionList"`
	DoneList     []Item `json:"doneList"`
	Notes        []Note `json:"notes"`
	Rules        []Rule `json:"rules"`
	Version      int    `json:"version"`
	LastSyncedAt Millis `json:"lastSyncedAt,omitempty"`
}

// EmptyDashboard returns the default document used when nothing is cached.
func EmptyDashboard() DashboardSnapshot {
	return DashboardSnapshot{
		TodoList:    []Item{},
		MissionList: []Item{},
		DoneList:    []Item{},
		Notes:       []Note{},
		Rules:       []Rule{},
		Version:     1,
	}
}

// List returns the item list named l.
func (d *DashboardSnapshot) List(l ListName) []Item {
	switch l {
	case ListMission:
		return d.MissionList
	case ListDone:
		return d.DoneList
	default:
		return d.TodoList
	}
}

// SetList replaces the item list named l.
func (d *DashboardSnapshot) SetList(l ListName, items []Item) {
	switch l {
	case ListMission:
		d.MissionList = items
	case ListDone:
		d.DoneList = items
	default:
		d.TodoList = items
	}
}

// Clone returns a deep copy so callers can mutate lists without aliasing.
func (d DashboardSnapshot) Clone() DashboardSnapshot {
	out := d
	out.TodoList = append([]Item{}, d.TodoList...)
	out.MissionList = append([]Item{}, d.MissionList...)
	out.DoneList = append([]Item{}, d.DoneList...)
	out.Notes = append([]Note{}, d.Notes...)
	out.Rules = make([]Rule, len(d.Rules))
	for i, r := range d.Rules {
		r.AssignedTargets = append([]string(nil), r.AssignedTargets...)
		out.Rules[i] = r
	}
	return out
}

// MessageType classifies a chat message for display.
type MessageType string

// Message type constants.
const (
	MsgUserToEntity    MessageType = "USER_TO_ENTITY"
	MsgUserBroadcast   MessageType = "USER_BROADCAST"
	MsgEntityResponse  MessageType = "ENTITY_RESPONSE"
	MsgEntityToEntity  MessageType = "ENTITY_TO_ENTITY"
	MsgEntityBroadcast MessageType = "ENTITY_BROADCAST"
)

// ChatMessage is one persisted row of local chat history. At most one
// row may carry a given non-empty DedupKey.
type ChatMessage struct {
	ID              int64       `json:"id"`
	Text            string      `json:"text"`
	Timestamp       time.Time   `json:"timestamp"`
	IsFromUser      bool        `json:"isFromUser"`
	Type            MessageType `json:"messageType"`
	Source          string      `json:"source,omitempty"`
	SourceEntityID  *int        `json:"sourceEntityId,omitempty"`
	SourceName      string      `json:"sourceName,omitempty"`
	SourceCharacter string      `json:"sourceCharacter,omitempty"`
	TargetIDs       []int       `json:"targetIds,omitempty"`
	DedupKey        string      `json:"dedupKey,omitempty"`
	IsSynced        bool        `json:"isSynced"`
	IsDelivered     bool        `json:"isDelivered"`
	DeliveredTo     []int       `json:"deliveredTo,omitempty"`
}

// EntityStatus is one polled status record from the remote authority.
// The same remote fact may be observed by several overlapping polls.
type EntityStatus struct {
	EntityID   int       `json:"entityId"`
	Text       string    `json:"message"`
	ObservedAt time.Time `json:"-"`
	Name       string    `json:"name,omitempty"`
	Kind       string    `json:"character,omitempty"`
}

// HistoryMessage is a row of the backend's own chat history.
type HistoryMessage struct {
	ID          string `json:"id"`
	EntityID    *int   `json:"entity_id"`
	Text        string `json:"text"`
	Source      string `json:"source"`
	IsFromUser  bool   `json:"is_from_user"`
	IsFromBot   bool   `json:"is_from_bot"`
	IsDelivered bool   `json:"is_delivered"`
	DeliveredTo string `json:"delivered_to"`
	CreatedAt   string `json:"created_at"`
}

// PendingMessage is a message a bot queued for the device.
type PendingMessage struct {
	Text          string `json:"text"`
	Timestamp     Millis `json:"timestamp"`
	FromCharacter string `json:"fromCharacter,omitempty"`
}

// TelemetryEntry is one diagnostic event. Entries live only in memory.
type TelemetryEntry struct {
	TS         Millis         `json:"ts"`
	Type       string         `json:"type"`
	Page       string         `json:"page,omitempty"`
	Action     string         `json:"action,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMs *int64         `json:"duration,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Telemetry entry types.
const (
	TelemetryPageView  = "page_view"
	TelemetryAction    = "user_action"
	TelemetryError     = "error"
	TelemetryLifecycle = "lifecycle"
	TelemetryAPICall   = "api_call"
)

// Credentials identify this device to the remote authority.
type Credentials struct {
	DeviceID     string
	DeviceSecret string
}
