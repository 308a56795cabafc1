package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message type tags exchanged between teacher clients and student servers.
const (
	MessageTypeTeacherConnect    = "teacher_connect"
	MessageTypeTeacherDisconnect = "teacher_disconnect"
	MessageTypeHomeworkRequest   = "homework_request"
	MessageTypeHomeworkResponse  = "homework_response"
	MessageTypeHomeworkSubmit    = "homework_submit"
	MessageTypeMessageSend       = "message_send"
	MessageTypeMessageResponse   = "message_response"
	MessageTypeClassListRequest  = "class_list_request"
	MessageTypeClassListResponse = "class_list_response"
	MessageTypeHeartbeat         = "heartbeat"
	MessageTypeTeacherStatus     = "teacher_status"
	MessageTypeSystemInfo        = "system_info"
)

// TimestampLayout is the local ISO-8601 form every envelope carries.
// Desktop clients emit the same shape, so mixed deployments keep
// sorting timestamps as plain strings.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// StoreTimestampLayout is used for stored homework and note records.
const StoreTimestampLayout = "2006-01-02 15:04:05"

// Wildcards select every class or subject in a homework request. Both
// the English and the Chinese UI spelling are accepted.
const (
	WildcardAll     = "all"
	WildcardAllZhCN = "全部"
)

// IsWildcard reports whether a class or subject filter means "everything".
func IsWildcard(s string) bool {
	return s == "" || s == WildcardAll || s == WildcardAllZhCN
}

// Now returns the current time formatted for an envelope.
func Now() string {
	return time.Now().Format(TimestampLayout)
}

// Homework is one assignment, either stored locally by a student or
// carried inside a homework_response.
//
// On the wire the id may arrive as a number, a numeric string or an
// empty string; it is always written back as a number. Keys Homework does
// not model are kept in Extra and written back alongside the known ones,
// though their numbers come back as float64.
type Homework struct {
	ID        int64  `json:"id"`
	Class     string `json:"class"`
	Subject   string `json:"subject"`
	Content   string `json:"content"`
	Teacher   string `json:"teacher"`
	Student   string `json:"student,omitempty"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`

	Extra map[string]any `json:"-"`
}

// homeworkJSON has Homework's fields without its methods.
type homeworkJSON Homework

var homeworkKeys = map[string]bool{
	"id": true, "class": true, "subject": true, "content": true,
	"teacher": true, "student": true, "timestamp": true, "status": true,
}

func (h Homework) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(homeworkJSON(h))
	if err != nil || len(h.Extra) == 0 {
		return data, err
	}

	merged := make(map[string]any, len(h.Extra)+len(homeworkKeys))
	for k, v := range h.Extra {
		merged[k] = v
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (h *Homework) UnmarshalJSON(data []byte) error {
	aux := struct {
		*homeworkJSON
		ID json.RawMessage `json:"id"`
	}{homeworkJSON: (*homeworkJSON)(h)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	id, err := parseRecordID(aux.ID)
	if err != nil {
		return err
	}
	h.ID = id

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.Extra = nil
	for k, v := range raw {
		if homeworkKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if h.Extra == nil {
			h.Extra = make(map[string]any)
		}
		h.Extra[k] = val
	}
	return nil
}

// parseRecordID accepts a JSON number, a numeric string, "" or null.
func parseRecordID(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		if s == "" {
			return 0, nil
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid homework id %q", s)
		}
		return id, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("invalid homework id %s", raw)
	}
	if id, err := n.Int64(); err == nil {
		return id, nil
	}
	f, err := n.Float64()
	if err != nil || f != float64(int64(f)) {
		return 0, fmt.Errorf("invalid homework id %s", raw)
	}
	return int64(f), nil
}

// Note is a message left for a class.
type Note struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	Student   string `json:"student"`
	Class     string `json:"class"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
}

// Statistics summarizes the local store.
type Statistics struct {
	HomeworkCount  int            `json:"homework_count"`
	MessageCount   int            `json:"message_count"`
	ClassCount     int            `json:"class_count"`
	SubjectStats   map[string]int `json:"subject_stats"`
	TotalHomeworks int            `json:"total_homeworks"`
}

// Status values for stored records.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)
