package codec

import (
	"strconv"
	"time"
)

// Field is one body tag=value pair.
type Field struct {
	Tag   Tag
	Value string
}

// Message is a decoded FIX message. The standard header is typed; every other
// field is kept in wire order in Fields.
type Message struct {
	BeginString     string
	MsgType         string
	SenderCompID    string
	TargetCompID    string
	SeqNum          uint64
	PossDup         bool
	PossResend      bool
	SendingTime     time.Time
	OrigSendingTime time.Time
	Fields          []Field
}

// New returns a message of the given type with the body fields in order.
func New(msgType string, fields ...Field) *Message {
	return &Message{MsgType: msgType, Fields: fields}
}

// IsAdmin reports whether m is a session-level message.
func (m *Message) IsAdmin() bool {
	return IsAdmin(m.MsgType)
}

// Get returns the first value for tag.
func (m *Message) Get(tag Tag) (string, bool) {
	for i := range m.Fields {
		if m.Fields[i].Tag == tag {
			return m.Fields[i].Value, true
		}
	}
	return "", false
}

func (m *Message) Has(tag Tag) bool {
	_, ok := m.Get(tag)
	return ok
}

// Set replaces the first value for tag or appends a new field.
func (m *Message) Set(tag Tag, value string) *Message {
	for i := range m.Fields {
		if m.Fields[i].Tag == tag {
			m.Fields[i].Value = value
			return m
		}
	}
	m.Fields = append(m.Fields, Field{Tag: tag, Value: value})
	return m
}

// Add appends a field even when tag is already present (repeating groups).
func (m *Message) Add(tag Tag, value string) *Message {
	m.Fields = append(m.Fields, Field{Tag: tag, Value: value})
	return m
}

func (m *Message) SetUint(tag Tag, v uint64) *Message {
	return m.Set(tag, strconv.FormatUint(v, 10))
}

func (m *Message) SetBool(tag Tag, v bool) *Message {
	if v {
		return m.Set(tag, "Y")
	}
	return m.Set(tag, "N")
}

// Uint parses tag as an unsigned integer.
func (m *Message) Uint(tag Tag) (uint64, bool) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Int parses tag as a signed integer.
func (m *Message) Int(tag Tag) (int, bool) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bool reports whether tag is present with value Y.
func (m *Message) Bool(tag Tag) bool {
	v, ok := m.Get(tag)
	return ok && v == "Y"
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.Fields = append([]Field(nil), m.Fields...)
	return &c
}
