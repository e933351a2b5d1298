package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/auth"
	"live-quiz-service/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// IdentityResolver turns a bearer token into a caller identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (domain.Identity, error)
}

type WSHandler struct {
	service  *app.GameService
	hub      *Hub
	identity IdentityResolver
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.GameService, hub *Hub, identity IdentityResolver) *WSHandler {
	return &WSHandler{
		service:  service,
		hub:      hub,
		identity: identity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// guestIssuer is implemented by resolvers that can hand a fresh guest a
// credential to reconnect with.
type guestIssuer interface {
	GuestToken(id domain.Identity) (string, error)
}

// connection is the per-socket view of who is talking and what it joined.
type connection struct {
	client        *client
	identity      domain.Identity
	guestToken    string
	playerCode    string
	dashboardCode string
}

// joinedPayload is game_joined; guestToken is only set for a guest that
// connected without one.
type joinedPayload struct {
	app.JoinResult
	GuestToken string `json:"guestToken,omitempty"`
}

// teacherFacing reports whether errors should carry their code.
func (c *connection) teacherFacing() bool {
	return c.identity.Role == domain.RoleTeacher || c.dashboardCode != ""
}

// ServeWS upgrades HTTP requests to websockets and wires them into the game use cases.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	id, err := h.identity.Resolve(r.Context(), token)
	if err != nil {
		log.Printf("ws: rejected handshake from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	c := &connection{client: newClient(uuid.NewString()), identity: id}
	if token == "" && id.Role == domain.RoleGuest {
		if issuer, ok := h.identity.(guestIssuer); ok {
			if c.guestToken, err = issuer.GuestToken(id); err != nil {
				log.Printf("ws: guest token for %s: %v", id.UserID, err)
			}
		}
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writeLoop(conn, c.client)
	}()

	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		msgType, cmd, err := decodeCommand(raw)
		if err != nil {
			h.fail(c, msgType, err)
			continue
		}
		if err := h.dispatch(ctx, c, cmd); err != nil {
			h.fail(c, msgType, err)
		}
	}

	h.hub.remove(c.client)
	c.client.close()
	<-writerDone

	cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.playerCode != "" {
		if err := h.service.Disconnect(cleanup, c.playerCode, id.UserID, c.client.socketID); err != nil {
			log.Printf("ws: disconnect %s from %s: %v", id.UserID, c.playerCode, err)
		}
	}
	if c.dashboardCode != "" {
		if err := h.service.DashboardDisconnect(cleanup, c.dashboardCode, c.client.socketID); err != nil {
			log.Printf("ws: dashboard disconnect %s: %v", c.dashboardCode, err)
		}
	}
}

// socketWriter is the part of a websocket connection the write loop uses.
type socketWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// writeLoop is the only writer of a socket. A failed write closes the socket
// so that the read loop ends as well.
func writeLoop(conn socketWriter, c *client) {
	for {
		select {
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("ws write error: %v", err)
				_ = conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *WSHandler) dispatch(ctx context.Context, c *connection, cmd command) error {
	id := c.identity
	switch cmd := cmd.(type) {
	case *joinGameCmd:
		res, err := h.service.Join(ctx, id, cmd.AccessCode, cmd.Username, cmd.Avatar, c.client.socketID)
		if err != nil {
			return err
		}
		c.playerCode = cmd.AccessCode
		h.hub.join(c.client, res.Rooms...)
		h.reply(c, app.EventGameJoined, res.View.Version, joinedPayload{JoinResult: res, GuestToken: c.guestToken})

	case *joinDashboardCmd:
		view, rooms, err := h.service.JoinDashboard(ctx, id, cmd.AccessCode, c.client.socketID)
		if err != nil {
			return err
		}
		c.dashboardCode = cmd.AccessCode
		h.hub.join(c.client, rooms...)
		h.reply(c, app.EventGameState, view.Version, view)

	case *joinProjectionCmd:
		view, rooms, err := h.service.JoinProjection(ctx, id, cmd.AccessCode)
		if err != nil {
			return err
		}
		h.hub.join(c.client, rooms...)
		h.reply(c, app.EventGameState, view.Version, view)

	case *gameAnswerCmd:
		receipt, err := h.service.SubmitAnswer(ctx, id, app.SubmitRequest{
			AccessCode:      cmd.AccessCode,
			QuestionUID:     cmd.QuestionUID,
			Value:           cmd.Answer,
			ClientTimestamp: cmd.ClientTimestamp,
			Attempt:         cmd.Attempt,
		})
		if err != nil {
			return &answerError{questionUID: cmd.QuestionUID, attempt: cmd.Attempt, err: err}
		}
		h.reply(c, app.EventAnswerReceived, 0, receipt)

	case *timerActionCmd:
		_, err := h.service.ControlTimer(ctx, id, cmd.AccessCode, cmd.Action, cmd.QuestionUID, cmd.DurationMs)
		return err

	case *setQuestionCmd:
		_, err := h.service.AdvanceToQuestion(ctx, id, cmd.AccessCode, *cmd.QuestionIndex)
		return err

	case *nextQuestionCmd:
		_, err := h.service.NextQuestion(ctx, id, cmd.AccessCode, cmd.FromQuestionUID)
		return err

	case *setStatusCmd:
		_, err := h.service.SetStatus(ctx, id, cmd.AccessCode, cmd.Status)
		return err

	case *closeQuestionCmd:
		_, err := h.service.CloseQuestion(ctx, id, cmd.AccessCode, cmd.QuestionUID)
		return err

	case *lockAnswersCmd:
		_, err := h.service.LockAnswers(ctx, id, cmd.AccessCode, cmd.Locked)
		return err

	case *revealLeaderboardCmd:
		_, err := h.service.RevealLeaderboard(ctx, id, cmd.AccessCode)
		return err

	case *requestStateCmd:
		if c.dashboardCode == cmd.AccessCode {
			view, err := h.service.DashboardView(ctx, id, cmd.AccessCode)
			if err != nil {
				return err
			}
			h.reply(c, app.EventGameState, view.Version, view)
			return nil
		}
		scope := domain.LiveScope(cmd.AccessCode)
		if cmd.Attempt > 0 {
			scope = domain.Scope{AccessCode: cmd.AccessCode, UserID: id.UserID, Attempt: cmd.Attempt}
		}
		view, err := h.service.PlayerView(ctx, scope)
		if err != nil {
			return err
		}
		h.reply(c, app.EventGameState, view.Version, view)

	case *startDeferredCmd:
		session, err := h.service.StartDeferred(ctx, id, cmd.AccessCode)
		if err != nil {
			return err
		}
		h.reply(c, app.EventDeferredStarted, session.View.Version, session)

	case *deferredNextCmd:
		progress, err := h.service.DeferredNext(ctx, id, cmd.AccessCode, cmd.Attempt, cmd.FromQuestionUID)
		if err != nil {
			return err
		}
		if progress.Completed {
			h.reply(c, app.EventDeferredCompleted, progress.View.Version, progress)
			return nil
		}
		h.reply(c, app.EventGameState, progress.View.Version, progress.View)

	default:
		return domain.ErrValidation
	}
	return nil
}

// answerError carries enough context to answer a rejected submission with a
// negative receipt.
type answerError struct {
	questionUID string
	attempt     int
	err         error
}

func (e *answerError) Error() string { return e.err.Error() }
func (e *answerError) Unwrap() error { return e.err }

// fail reports an error to the originating socket only. Players get a
// generic notice; teachers get the code. Authorization failures are logged
// and never explained.
func (h *WSHandler) fail(c *connection, msgType string, err error) {
	code := domain.CodeOf(err)
	if code == domain.CodeNotAuthorized {
		log.Printf("ws: %s by %s (%s) not authorized: %v", msgType, c.identity.UserID, c.identity.Role, err)
	} else if code == domain.CodeInternal {
		log.Printf("ws: %s by %s failed: %v", msgType, c.identity.UserID, err)
	}

	var answerErr *answerError
	if errors.As(err, &answerErr) && !c.teacherFacing() {
		h.reply(c, app.EventAnswerReceived, 0, app.AnswerReceipt{
			QuestionUID: answerErr.questionUID,
			Accepted:    false,
			Attempt:     answerErr.attempt,
			Message:     "answer not accepted",
		})
		return
	}

	payload := app.ErrorPayload{Message: "request not accepted"}
	if c.teacherFacing() {
		payload.Code = code
		switch code {
		case domain.CodeNotAuthorized:
			payload.Message = "not authorized"
		case domain.CodeInternal:
			payload.Message = "internal error"
		default:
			payload.Message = err.Error()
		}
	}
	h.reply(c, app.EventError, 0, payload)
}

func (h *WSHandler) reply(c *connection, eventType string, version int64, payload any) {
	encoded, err := json.Marshal(app.Event{Type: eventType, Version: version, Payload: payload})
	if err != nil {
		log.Printf("ws: encode %s: %v", eventType, err)
		return
	}
	c.client.offer(encoded)
}
