package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is one complete protocol message. On the wire it is a flat
// object: {"type": ..., <body fields>..., "timestamp": ...}.
type Envelope struct {
	Type      string
	Timestamp string
	Body      Body
}

// Body is the type-specific part of an envelope. Every recognized tag
// has a concrete struct; anything else decodes to *Unknown.
type Body interface {
	MessageType() string
}

// TeacherConnect is the handshake a teacher client sends right after
// dialing a student server.
type TeacherConnect struct {
	TeacherID   string `json:"teacher_id"`
	TeacherName string `json:"teacher_name"`
}

// TeacherDisconnect is only raised internally; it is never sent.
type TeacherDisconnect struct {
	TeacherID string `json:"teacher_id"`
}

type HomeworkRequest struct {
	Class   string `json:"class"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// HomeworkReport is the nested "homework" object of a homework_response.
type HomeworkReport struct {
	StudentClass   string     `json:"student_class"`
	StudentName    string     `json:"student_name"`
	Homeworks      []Homework `json:"homeworks"`
	TeacherMessage string     `json:"teacher_message"`
}

type HomeworkResponse struct {
	Homework HomeworkReport `json:"homework"`
}

// HomeworkSubmit publishes an assignment from a teacher to a class.
type HomeworkSubmit struct {
	Class       string `json:"class"`
	Subject     string `json:"subject"`
	Content     string `json:"content"`
	TeacherName string `json:"teacher_name"`
}

type MessageSend struct {
	Content    string `json:"content"`
	SenderName string `json:"sender_name"`
	Class      string `json:"class"`
}

type MessageResponse struct {
	Content    string `json:"content"`
	SenderName string `json:"sender_name"`
	Class      string `json:"class"`
}

type ClassListRequest struct{}

type ClassListResponse struct {
	Classes []string `json:"classes"`
}

type Heartbeat struct{}

type TeacherStatus struct {
	TeacherID string `json:"teacher_id"`
	Status    string `json:"status"`
	Class     string `json:"class,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

type SystemInfo struct {
	Role    string `json:"role"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Unknown carries the raw fields of an envelope whose tag is not
// recognized, so it can still be logged or forwarded untouched.
type Unknown struct {
	Tag    string
	Fields map[string]any
}

func (*TeacherConnect) MessageType() string    { return MessageTypeTeacherConnect }
func (*TeacherDisconnect) MessageType() string { return MessageTypeTeacherDisconnect }
func (*HomeworkRequest) MessageType() string   { return MessageTypeHomeworkRequest }
func (*HomeworkResponse) MessageType() string  { return MessageTypeHomeworkResponse }
func (*HomeworkSubmit) MessageType() string    { return MessageTypeHomeworkSubmit }
func (*MessageSend) MessageType() string       { return MessageTypeMessageSend }
func (*MessageResponse) MessageType() string   { return MessageTypeMessageResponse }
func (*ClassListRequest) MessageType() string  { return MessageTypeClassListRequest }
func (*ClassListResponse) MessageType() string { return MessageTypeClassListResponse }
func (*Heartbeat) MessageType() string         { return MessageTypeHeartbeat }
func (*TeacherStatus) MessageType() string     { return MessageTypeTeacherStatus }
func (*SystemInfo) MessageType() string        { return MessageTypeSystemInfo }
func (u *Unknown) MessageType() string         { return u.Tag }

// newBody returns an empty body for a recognized tag, nil otherwise.
func newBody(tag string) Body {
	switch tag {
	case MessageTypeTeacherConnect:
		return &TeacherConnect{}
	case MessageTypeTeacherDisconnect:
		return &TeacherDisconnect{}
	case MessageTypeHomeworkRequest:
		return &HomeworkRequest{}
	case MessageTypeHomeworkResponse:
		return &HomeworkResponse{}
	case MessageTypeHomeworkSubmit:
		return &HomeworkSubmit{}
	case MessageTypeMessageSend:
		return &MessageSend{}
	case MessageTypeMessageResponse:
		return &MessageResponse{}
	case MessageTypeClassListRequest:
		return &ClassListRequest{}
	case MessageTypeClassListResponse:
		return &ClassListResponse{}
	case MessageTypeHeartbeat:
		return &Heartbeat{}
	case MessageTypeTeacherStatus:
		return &TeacherStatus{}
	case MessageTypeSystemInfo:
		return &SystemInfo{}
	default:
		return nil
	}
}

// NewEnvelope wraps body and stamps it with the current time.
func NewEnvelope(body Body) *Envelope {
	return &Envelope{
		Type:      body.MessageType(),
		Timestamp: Now(),
		Body:      body,
	}
}

// Fields flattens the envelope into its wire object.
func (e *Envelope) Fields() (map[string]any, error) {
	fields := make(map[string]any)

	switch body := e.Body.(type) {
	case nil:
	case *Unknown:
		for k, v := range body.Fields {
			fields[k] = v
		}
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", e.Type, err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("flatten %s body: %w", e.Type, err)
		}
	}

	fields["type"] = e.Type
	if e.Timestamp != "" {
		fields["timestamp"] = e.Timestamp
	}
	return fields, nil
}

// FromFields rebuilds an envelope from a decoded wire object. A missing
// or unrecognized tag is not an error: the result carries an *Unknown
// body and is left for the dispatcher to drop.
func FromFields(fields map[string]any) (*Envelope, error) {
	env := &Envelope{}
	if tag, ok := fields["type"].(string); ok {
		env.Type = tag
	}
	if ts, ok := fields["timestamp"].(string); ok {
		env.Timestamp = ts
	}

	body := newBody(env.Type)
	if body == nil {
		rest := make(map[string]any, len(fields))
		for k, v := range fields {
			if k == "type" || k == "timestamp" {
				continue
			}
			rest[k] = v
		}
		env.Body = &Unknown{Tag: env.Type, Fields: rest}
		return env, nil
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	if err := json.Unmarshal(data, body); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	env.Body = body
	return env, nil
}

// Known reports whether the envelope carries a recognized tag.
func (e *Envelope) Known() bool {
	_, unknown := e.Body.(*Unknown)
	return e.Body != nil && !unknown
}

// Constructors mirroring the message catalogue.

func NewTeacherConnect(teacherID, teacherName string) *Envelope {
	return NewEnvelope(&TeacherConnect{TeacherID: teacherID, TeacherName: teacherName})
}

func NewHomeworkRequest(class, subject, message string) *Envelope {
	return NewEnvelope(&HomeworkRequest{Class: class, Subject: subject, Message: message})
}

// NewHomeworkResponse never emits a null homework list.
func NewHomeworkResponse(report HomeworkReport) *Envelope {
	if report.Homeworks == nil {
		report.Homeworks = []Homework{}
	}
	return NewEnvelope(&HomeworkResponse{Homework: report})
}

func NewHomeworkSubmit(class, subject, content, teacherName string) *Envelope {
	return NewEnvelope(&HomeworkSubmit{Class: class, Subject: subject, Content: content, TeacherName: teacherName})
}

func NewMessageSend(content, senderName, class string) *Envelope {
	return NewEnvelope(&MessageSend{Content: content, SenderName: senderName, Class: class})
}

func NewMessageResponse(content, senderName, class string) *Envelope {
	return NewEnvelope(&MessageResponse{Content: content, SenderName: senderName, Class: class})
}

func NewClassListRequest() *Envelope {
	return NewEnvelope(&ClassListRequest{})
}

func NewClassListResponse(classes []string) *Envelope {
	if classes == nil {
		classes = []string{}
	}
	return NewEnvelope(&ClassListResponse{Classes: classes})
}

func NewHeartbeat() *Envelope {
	return NewEnvelope(&Heartbeat{})
}

func NewTeacherStatus(teacherID, status, class, subject string) *Envelope {
	return NewEnvelope(&TeacherStatus{TeacherID: teacherID, Status: status, Class: class, Subject: subject})
}

func NewSystemInfo(role, name, version string) *Envelope {
	return NewEnvelope(&SystemInfo{Role: role, Name: name, Version: version})
}
