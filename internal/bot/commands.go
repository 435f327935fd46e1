package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/Lunaphied/plural-kitty/internal/store"
)

// PrimaryStore is the subset of the primary store the bot's command
// surface depends on.
type PrimaryStore interface {
	EnsureUser(ctx context.Context, userID string) (bool, error)
	CreateMember(ctx context.Context, userID, name string) error
	SetDisplayName(ctx context.Context, userID, name, displayName string) error
	AddActivator(ctx context.Context, userID, name, activator string) error
	SetFronterFromActivator(ctx context.Context, userID, activator string) (*string, error)
	GetCurrentFronter(ctx context.Context, userID string) (*store.Member, error)
	IsRoomIgnored(ctx context.Context, userID, roomID string) (bool, error)
	IgnoreRoom(ctx context.Context, userID, roomID string) error
	UnignoreRoom(ctx context.Context, userID, roomID string) error
	ListIgnored(ctx context.Context, userID string) ([]string, error)
	ReadMsg(ctx context.Context, roomID, eventID string) (bool, error)
}

// CommandHandler dispatches a parsed direct-message command against the
// store, returning the notice text to send back. It is the only caller of
// Store.set_fronter_from_activator/create_member/etc. outside of tests —
// the full member CRUD surface in original_source/src/bot/commands/*.rs is
// intentionally not reimplemented; this is the minimal command set needed
// to drive the end-to-end scenarios.
type CommandHandler struct {
	store PrimaryStore
}

// NewCommandHandler builds a CommandHandler.
func NewCommandHandler(s PrimaryStore) *CommandHandler {
	return &CommandHandler{store: s}
}

// Dispatch runs one already-parsed command and returns the notice body, if
// any, to send back to the user. roomID/eventID are used for the
// at-most-once dedup gate; a duplicate delivery is silently ignored.
func (h *CommandHandler) Dispatch(ctx context.Context, userID, roomID, eventID string, cmd Command) (string, error) {
	if eventID != "" {
		alreadySeen, err := h.store.ReadMsg(ctx, roomID, eventID)
		if err != nil {
			return "", fmt.Errorf("bot: dedup check: %w", err)
		}
		if alreadySeen {
			return "", nil
		}
	}

	if _, err := h.store.EnsureUser(ctx, userID); err != nil {
		return "", fmt.Errorf("bot: ensure user: %w", err)
	}

	switch c := cmd.(type) {
	case MemberNewCommand:
		return h.handleMemberNew(ctx, userID, c)
	case MemberDisplayNameCommand:
		return h.handleMemberDisplayName(ctx, userID, c)
	case MemberActivatorAddCommand:
		return h.handleMemberActivatorAdd(ctx, userID, c)
	case ActivatorSwitchCommand:
		return h.handleActivatorSwitch(ctx, userID, c)
	case IgnoreCommand:
		return h.handleIgnore(ctx, userID, c)
	default:
		return "", nil
	}
}

func (h *CommandHandler) handleMemberNew(ctx context.Context, userID string, c MemberNewCommand) (string, error) {
	if err := h.store.CreateMember(ctx, userID, c.Name); err != nil {
		if store.IsKind(err, store.UniqueViolation) {
			return fmt.Sprintf("This name is already in use: %s", c.Name), nil
		}
		return "", fmt.Errorf("bot: create member: %w", err)
	}
	return fmt.Sprintf("Created member %s", c.Name), nil
}

func (h *CommandHandler) handleMemberDisplayName(ctx context.Context, userID string, c MemberDisplayNameCommand) (string, error) {
	if err := h.store.SetDisplayName(ctx, userID, c.Name, c.DisplayName); err != nil {
		return "", fmt.Errorf("bot: set display name: %w", err)
	}
	return fmt.Sprintf("%s's display name set to %s", c.Name, c.DisplayName), nil
}

func (h *CommandHandler) handleMemberActivatorAdd(ctx context.Context, userID string, c MemberActivatorAddCommand) (string, error) {
	if err := h.store.AddActivator(ctx, userID, c.Name, c.Activator); err != nil {
		return "", fmt.Errorf("bot: add activator: %w", err)
	}
	return fmt.Sprintf("Added activator %q to %s", strings.ToLower(c.Activator), c.Name), nil
}

func (h *CommandHandler) handleActivatorSwitch(ctx context.Context, userID string, c ActivatorSwitchCommand) (string, error) {
	name, err := h.store.SetFronterFromActivator(ctx, userID, c.Activator)
	if err != nil {
		return "", fmt.Errorf("bot: set fronter from activator: %w", err)
	}
	if name == nil {
		return "", nil
	}
	return fmt.Sprintf("Current fronter set to %s", *name), nil
}

func (h *CommandHandler) handleIgnore(ctx context.Context, userID string, c IgnoreCommand) (string, error) {
	if c.RoomID == "" {
		rooms, err := h.store.ListIgnored(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("bot: list ignored: %w", err)
		}
		if len(rooms) == 0 {
			return "No ignored rooms", nil
		}
		var b strings.Builder
		b.WriteString("Ignored Rooms\n")
		for _, r := range rooms {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		return b.String(), nil
	}

	ignored, err := h.store.IsRoomIgnored(ctx, userID, c.RoomID)
	if err != nil {
		return "", fmt.Errorf("bot: is room ignored: %w", err)
	}
	if ignored {
		if err := h.store.UnignoreRoom(ctx, userID, c.RoomID); err != nil {
			return "", fmt.Errorf("bot: unignore room: %w", err)
		}
		return fmt.Sprintf("No longer ignoring room %s", c.RoomID), nil
	}
	if err := h.store.IgnoreRoom(ctx, userID, c.RoomID); err != nil {
		return "", fmt.Errorf("bot: ignore room: %w", err)
	}
	return fmt.Sprintf("Ignoring room %s", c.RoomID), nil
}
