// Package classroom holds the student-side message handlers: answering
// homework and class list requests and storing what teachers send.
package classroom

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"classlink/internal/dispatch"
	"classlink/internal/logging"
	"classlink/internal/peer"
	"classlink/pkg/interfaces"
	"classlink/pkg/types"
)

// Classroom answers teacher requests from the local store.
type Classroom struct {
	store   interfaces.HomeworkStore
	sender  interfaces.PeerSender
	profile *Profile
	logger  logging.Logger
}

// New wires handlers to store. sender may be nil, in which case replies
// go straight back over the requesting session.
func New(store interfaces.HomeworkStore, sender interfaces.PeerSender, profile *Profile, logger logging.Logger) *Classroom {
	if profile == nil {
		profile = NewProfile("", "")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Classroom{
		store:   store,
		sender:  sender,
		profile: profile,
		logger:  logger,
	}
}

func (c *Classroom) Profile() *Profile {
	return c.profile
}

// Register installs every handler on d.
func (c *Classroom) Register(d *dispatch.Dispatcher) {
	d.Handle(types.MessageTypeHomeworkRequest, c.HandleHomeworkRequest)
	d.Handle(types.MessageTypeClassListRequest, c.HandleClassListRequest)
	d.Handle(types.MessageTypeMessageSend, c.HandleMessageSend)
	d.Handle(types.MessageTypeHomeworkSubmit, c.HandleHomeworkSubmit)
	d.Handle(types.MessageTypeHeartbeat, c.HandleHeartbeat)
}

// HandleHomeworkRequest always answers with a homework_response. The
// list is empty when the request names another class or nothing
// matches.
func (c *Classroom) HandleHomeworkRequest(ctx context.Context, req *dispatch.Request) error {
	body, ok := req.Envelope.Body.(*types.HomeworkRequest)
	if !ok {
		return fmt.Errorf("%w: %T", types.ErrInvalidPayload, req.Envelope.Body)
	}

	report := types.HomeworkReport{
		StudentClass:   c.profile.Class(),
		StudentName:    c.profile.Name(),
		Homeworks:      []types.Homework{},
		TeacherMessage: body.Message,
	}

	if c.profile.Matches(body.Class) {
		class := c.profile.Class()
		if class == "" {
			class = body.Class
		}
		homeworks, err := c.store.GetHomeworks(ctx, class, body.Subject)
		if err != nil {
			// Still answer so the teacher is not left waiting.
			c.logger.Error("homework lookup failed", "class", class, "subject", body.Subject, "error", err)
		}
		for _, hw := range homeworks {
			entry := *hw
			if entry.Student == "" {
				entry.Student = report.StudentName
			}
			report.Homeworks = append(report.Homeworks, entry)
		}
	}

	c.logger.Info("answering homework request",
		"peer_id", req.PeerID, "class", body.Class, "subject", body.Subject, "count", len(report.Homeworks))
	return c.reply(req, types.NewHomeworkResponse(report))
}

// HandleClassListRequest answers with every known class, including the
// student's own.
func (c *Classroom) HandleClassListRequest(ctx context.Context, req *dispatch.Request) error {
	classes, err := c.store.GetClasses(ctx)
	if err != nil {
		return fmt.Errorf("list classes: %w", err)
	}

	if own := c.profile.Class(); own != "" {
		found := false
		for _, class := range classes {
			if class == own {
				found = true
				break
			}
		}
		if !found {
			classes = append(classes, own)
			sort.Strings(classes)
		}
	}
	return c.reply(req, types.NewClassListResponse(classes))
}

// HandleMessageSend stores the message as a note and acknowledges it.
func (c *Classroom) HandleMessageSend(ctx context.Context, req *dispatch.Request) error {
	body, ok := req.Envelope.Body.(*types.MessageSend)
	if !ok {
		return fmt.Errorf("%w: %T", types.ErrInvalidPayload, req.Envelope.Body)
	}

	class := body.Class
	if class == "" {
		class = c.profile.Class()
	}
	if _, err := c.store.AddNote(ctx, &types.Note{
		Content: body.Content,
		Student: body.SenderName,
		Class:   class,
	}); err != nil {
		return fmt.Errorf("store message: %w", err)
	}

	return c.reply(req, types.NewMessageResponse(body.Content, c.profile.Name(), class))
}

// HandleHomeworkSubmit stores published homework, replacing any earlier
// assignment for the same class and subject, and registers the class.
func (c *Classroom) HandleHomeworkSubmit(ctx context.Context, req *dispatch.Request) error {
	body, ok := req.Envelope.Body.(*types.HomeworkSubmit)
	if !ok {
		return fmt.Errorf("%w: %T", types.ErrInvalidPayload, req.Envelope.Body)
	}

	teacher := body.TeacherName
	if teacher == "" {
		if s, ok := req.Peer.(*peer.Session); ok {
			teacher = s.Name()
		}
	}

	saved, err := c.store.AddHomework(ctx, &types.Homework{
		Class:   body.Class,
		Subject: body.Subject,
		Content: body.Content,
		Teacher: teacher,
	}, true)
	if err != nil {
		return fmt.Errorf("store homework: %w", err)
	}
	if err := c.store.AddClass(ctx, body.Class); err != nil {
		c.logger.Warn("could not register class", "class", body.Class, "error", err)
	}

	c.logger.Info("homework published",
		"peer_id", req.PeerID, "id", saved.ID, "class", saved.Class, "subject", saved.Subject)
	return nil
}

func (c *Classroom) HandleHeartbeat(_ context.Context, req *dispatch.Request) error {
	return c.reply(req, types.NewHeartbeat())
}

// reply routes through the registry when the requester has an identity
// and falls back to the session it arrived on.
func (c *Classroom) reply(req *dispatch.Request, env *types.Envelope) error {
	if c.sender != nil && req.PeerID != "" {
		err := c.sender.SendTo(req.PeerID, env)
		if err == nil || !errors.Is(err, peer.ErrPeerNotFound) {
			return err
		}
	}
	if req.Peer == nil {
		return fmt.Errorf("no route back to peer %q", req.PeerID)
	}
	return req.Peer.Send(env)
}
