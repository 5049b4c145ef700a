// Package router dispatches inbound frames to the handler registered for
// their event type and writes the correlated ACK or ERROR back.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/handler"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/session"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

// Resolver maps a session id to the identity it is bound to.
type Resolver interface {
	Resolve(id uuid.UUID) (session.Identity, error)
}

// ReplyWriter sends one outbound frame on the originating connection.
type ReplyWriter interface {
	WriteFrame(frame any) error
}

// ApplyError is returned by Dispatch when a handler failed after validation.
// No ACK was sent; the caller answers with a generic ERROR for Frame.
type ApplyError struct {
	Frame protocol.Frame
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s (message %s): %v", e.Frame.EventType, e.Frame.MessageID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

type Router struct {
	handlers map[protocol.EventType]handler.Handler
	resolver Resolver
	tracer   trace.Tracer
}

type Option func(*Router)

// WithHandler registers h for its event type. Registering a type twice is a
// programming error.
func WithHandler(h handler.Handler) Option {
	return func(r *Router) {
		if _, ok := r.handlers[h.Type()]; ok {
			panic(fmt.Sprintf("router: duplicate handler for %s", h.Type()))
		}
		r.handlers[h.Type()] = h
	}
}

func WithHandlers(hs ...handler.Handler) Option {
	return func(r *Router) {
		for _, h := range hs {
			WithHandler(h)(r)
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) { r.tracer = tracer }
}

// Binding is the identity a connection was opened with. A bound dispatch
// only accepts frames that name that session and that user.
type Binding struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
}

type DispatchOption func(*dispatch)

type dispatch struct {
	binding *Binding
}

// BoundTo restricts the dispatch to frames of one connection.
func BoundTo(sessionID, userID uuid.UUID) DispatchOption {
	return func(d *dispatch) { d.binding = &Binding{SessionID: sessionID, UserID: userID} }
}

// New builds the dispatch table. It cannot be changed afterwards.
func New(resolver Resolver, opts ...Option) *Router {
	r := &Router{
		handlers: make(map[protocol.EventType]handler.Handler),
		resolver: resolver,
		tracer:   otel.Tracer("save-sync/router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch processes one raw frame. Rejections are answered with an ERROR
// frame and reported as a nil error; the returned error is either a write
// failure or an *ApplyError.
func (r *Router) Dispatch(ctx context.Context, w ReplyWriter, raw []byte, opts ...DispatchOption) (err error) {
	var d dispatch
	for _, opt := range opts {
		opt(&d)
	}
	frame, decodeErr := protocol.DecodeFrame(raw)

	ctx, span := r.tracer.Start(ctx, "router.dispatch", trace.WithAttributes(
		attribute.String("event.type", string(frame.EventType)),
		attribute.String("event.message_id", frame.MessageID.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if rec := recover(); rec != nil {
			err = &ApplyError{Frame: frame, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	if decodeErr != nil {
		logger.DebugF("Reject malformed frame: %v", decodeErr)
		return reject(w, frame, protocol.ReasonMalformedFrame)
	}

	h, ok := r.handlers[frame.EventType]
	if !ok {
		return reject(w, frame, protocol.ReasonUnknownEventType)
	}

	if b := d.binding; b != nil {
		if frame.SessionID != b.SessionID {
			logger.WarnF("Reject %s: frame names session %s on connection of session %s", frame.EventType, frame.SessionID, b.SessionID)
			return reject(w, frame, protocol.ReasonInvalidSession)
		}
		if frame.UserID != b.UserID {
			logger.WarnF("Reject %s: frame names user %s on connection of user %s", frame.EventType, frame.UserID, b.UserID)
			return reject(w, frame, protocol.ReasonUserMismatch)
		}
	}

	identity, err := r.resolver.Resolve(frame.SessionID)
	if err != nil {
		logger.DebugF("Reject %s for session %s: %v", frame.EventType, frame.SessionID, err)
		return reject(w, frame, protocol.ReasonInvalidSession)
	}
	if identity.UserID != frame.UserID {
		return reject(w, frame, protocol.ReasonUserMismatch)
	}

	cmd, err := h.Validate(frame.Payload)
	if err != nil {
		return reject(w, frame, reasonOf(err))
	}

	if err := h.Apply(ctx, identity.OwnerID.String(), cmd); err != nil {
		if state.IsValidation(err) {
			return reject(w, frame, reasonOf(err))
		}
		return &ApplyError{Frame: frame, Err: err}
	}

	if err := w.WriteFrame(protocol.NewAck(frame)); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	return nil
}

func reasonOf(err error) string {
	var v *state.ValidationError
	if errors.As(err, &v) {
		return v.Reason
	}
	return err.Error()
}

func reject(w ReplyWriter, frame protocol.Frame, reason string) error {
	if err := w.WriteFrame(protocol.ErrorFor(frame, reason)); err != nil {
		return fmt.Errorf("write error frame: %w", err)
	}
	return nil
}
