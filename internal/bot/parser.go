package bot

import "strings"

// Command is the set of direct-message commands the bot recognizes.
// Grounded on original_source/src/bot/parser.rs's whitespace-tokenized
// command grammar, narrowed to the minimal surface this relay needs.
type Command interface{ isCommand() }

// MemberNewCommand is "member new <name>".
type MemberNewCommand struct{ Name string }

// MemberDisplayNameCommand is "member <name> displayname <text...>".
type MemberDisplayNameCommand struct {
	Name        string
	DisplayName string
}

// MemberActivatorAddCommand is "member <name> activator add <word>".
type MemberActivatorAddCommand struct {
	Name      string
	Activator string
}

// ActivatorSwitchCommand is a bare word matched against a member's
// activator set to switch the current fronter.
type ActivatorSwitchCommand struct{ Activator string }

// IgnoreCommand is "ignore" (toggle the room the command arrived in) or
// "ignore list" (no RoomID set).
type IgnoreCommand struct{ RoomID string }

func (MemberNewCommand) isCommand()          {}
func (MemberDisplayNameCommand) isCommand()   {}
func (MemberActivatorAddCommand) isCommand()  {}
func (ActivatorSwitchCommand) isCommand()     {}
func (IgnoreCommand) isCommand()              {}

// Parse tokenizes body and returns the matching Command. roomID is the
// room the message arrived in, used by "ignore" with no argument. A bare
// single word that doesn't match a known verb is treated as a candidate
// activator switch — the store decides whether it actually matches a
// member.
func Parse(body, roomID string) (Command, bool) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return nil, false
	}

	switch strings.ToLower(fields[0]) {
	case "member":
		return parseMember(fields[1:])
	case "ignore":
		if len(fields) >= 2 {
			if strings.EqualFold(fields[1], "list") {
				return IgnoreCommand{}, true
			}
			return IgnoreCommand{RoomID: fields[1]}, true
		}
		return IgnoreCommand{RoomID: roomID}, true
	}

	if len(fields) == 1 {
		return ActivatorSwitchCommand{Activator: strings.ToLower(fields[0])}, true
	}
	return nil, false
}

func parseMember(fields []string) (Command, bool) {
	if len(fields) == 0 {
		return nil, false
	}
	if strings.EqualFold(fields[0], "new") && len(fields) >= 2 {
		return MemberNewCommand{Name: fields[1]}, true
	}
	if len(fields) >= 3 {
		name := fields[0]
		switch strings.ToLower(fields[1]) {
		case "displayname":
			return MemberDisplayNameCommand{Name: name, DisplayName: strings.Join(fields[2:], " ")}, true
		case "activator":
			if len(fields) >= 4 && strings.EqualFold(fields[2], "add") {
				return MemberActivatorAddCommand{Name: name, Activator: fields[3]}, true
			}
		}
	}
	return nil, false
}
