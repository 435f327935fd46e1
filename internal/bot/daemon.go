package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/Lunaphied/plural-kitty/internal/config"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// session is the on-disk JSON blob created after first successful login
// and reused on subsequent starts, per the configured bot.state_store
// path.
type session struct {
	UserID      id.UserID `json:"user_id"`
	AccessToken string    `json:"access_token"`
	DeviceID    id.DeviceID `json:"device_id"`
}

// Daemon is the chat-bot sync loop: it logs in (or restores a saved
// session), auto-joins invited rooms, and dispatches direct-message
// commands to a CommandHandler.
type Daemon struct {
	cfg     *config.BotInfo
	client  *mautrix.Client
	handler *CommandHandler
	logger  *zap.Logger
	started atomic.Bool
}

// New builds a Daemon. The client isn't connected until Run is called.
func New(cfg *config.BotInfo, handler *CommandHandler, logger *zap.Logger) *Daemon {
	return &Daemon{cfg: cfg, handler: handler, logger: logger}
}

// Started reports whether Run has reached the point of a live sync
// connection, used by the supervisor to distinguish init failures (fatal)
// from post-start failures (restart budget applies).
func (d *Daemon) Started() bool { return d.started.Load() }

// Run logs in (restoring a saved session when present), registers the
// message handler, and blocks in the sync loop until ctx is canceled or a
// fatal sync error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	client, err := d.authenticate(ctx)
	if err != nil {
		return fmt.Errorf("bot: authenticate: %w", err)
	}
	d.client = client

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("bot: unexpected syncer type %T", client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, d.onMessage)
	syncer.OnEventType(event.StateMember, d.onMemberEvent)

	d.started.Store(true)
	d.logger.Info("bot sync loop starting", zap.String("user_id", string(client.UserID)))
	if err := client.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("bot: sync loop: %w", err)
	}
	return nil
}

// authenticate restores a saved session if one exists at the configured
// path, otherwise logs in with the configured password and persists the
// resulting session for next time.
func (d *Daemon) authenticate(ctx context.Context) (*mautrix.Client, error) {
	homeserver := d.cfg.HomeserverURLOrDefault()

	if sess, err := loadSession(d.cfg.SessionFilePath()); err == nil {
		client, err := mautrix.NewClient(homeserver, sess.UserID, sess.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("restore session: %w", err)
		}
		if _, err := client.Whoami(ctx); err != nil {
			return nil, fmt.Errorf("restored session rejected: %w", err)
		}
		return client, nil
	}

	client, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	password, err := readSecretFile(d.cfg.PasswordFile)
	if err != nil {
		return nil, fmt.Errorf("read password file: %w", err)
	}

	loginResp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type:             mautrix.AuthTypePassword,
		Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: d.cfg.User},
		Password:         password,
		StoreCredentials: true,
	})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	if err := saveSession(d.cfg.SessionFilePath(), session{
		UserID:      loginResp.UserID,
		AccessToken: loginResp.AccessToken,
		DeviceID:    loginResp.DeviceID,
	}); err != nil {
		d.logger.Warn("failed to persist session", zap.Error(err))
	}

	return client, nil
}

func (d *Daemon) onMemberEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content == nil {
		return
	}
	if content.Membership != event.MembershipInvite {
		return
	}
	if d.client != nil && evt.StateKey != nil && *evt.StateKey == string(d.client.UserID) {
		if _, err := d.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
			d.logger.Error("failed to auto-join invited room", zap.Error(err), zap.String("room_id", evt.RoomID.String()))
		}
	}
}

func (d *Daemon) onMessage(ctx context.Context, evt *event.Event) {
	if d.client != nil && evt.Sender == d.client.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content == nil {
		return
	}
	body := strings.TrimSpace(content.Body)
	if body == "" {
		return
	}

	cmd, ok := Parse(body, evt.RoomID.String())
	if !ok {
		return
	}

	notice, err := d.handler.Dispatch(ctx, string(evt.Sender), evt.RoomID.String(), evt.ID.String(), cmd)
	if err != nil {
		d.logger.Error("command dispatch failed", zap.Error(err), zap.String("room_id", evt.RoomID.String()))
		return
	}
	if notice == "" {
		return
	}

	if _, err := d.client.SendNotice(ctx, evt.RoomID, notice); err != nil {
		d.logger.Error("failed to send notice", zap.Error(err), zap.String("room_id", evt.RoomID.String()))
	}
}

func loadSession(path string) (*session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sess session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("bot: corrupt session file: %w", err)
	}
	return &sess, nil
}

func saveSession(path string, sess session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func readSecretFile(path *string) (string, error) {
	if path == nil {
		return "", fmt.Errorf("no password_file configured")
	}
	data, err := os.ReadFile(*path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
