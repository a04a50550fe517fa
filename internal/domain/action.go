package domain

import (
	"fmt"
	"strings"
)

const (
	ActionChangeStatus     = "CHANGE_STATUS"
	ActionUpdatePriority   = "UPDATE_PRIORITY"
	ActionSendNotification = "SEND_NOTIFICATION"
	ActionAddTag           = "ADD_TAG"
	ActionReassign         = "REASSIGN"
)

// Action is the closed set of effects a rule can apply.
type Action interface {
	ActionType() string
	Config() map[string]any
	isAction()
}

type ChangeStatus struct {
	NewStatus string
}

type UpdatePriority struct {
	NewPriority string
}

type SendNotification struct {
	Title           string
	Message         string
	NotifyAssignees bool
	NotifyCreator   bool
}

type AddTag struct {
	Tag string
}

// Reassign moves the item along the rule's EscalationPolicy.
type Reassign struct{}

// InvalidAction carries a stored action that could not be decoded. Executing
// it always fails with its ConfigurationError.
type InvalidAction struct {
	Type string
	Err  error
}

func (ChangeStatus) ActionType() string     { return ActionChangeStatus }
func (UpdatePriority) ActionType() string   { return ActionUpdatePriority }
func (SendNotification) ActionType() string { return ActionSendNotification }
func (AddTag) ActionType() string           { return ActionAddTag }
func (Reassign) ActionType() string         { return ActionReassign }
func (a InvalidAction) ActionType() string  { return a.Type }

func (a ChangeStatus) Config() map[string]any {
	return map[string]any{"newStatus": a.NewStatus}
}
func (a UpdatePriority) Config() map[string]any {
	return map[string]any{"newPriority": a.NewPriority}
}
func (a SendNotification) Config() map[string]any {
	return map[string]any{
		"title":           a.Title,
		"message":         a.Message,
		"notifyAssignees": a.NotifyAssignees,
		"notifyCreator":   a.NotifyCreator,
	}
}

func (a AddTag) Config() map[string]any      { return map[string]any{"tag": a.Tag} }
func (Reassign) Config() map[string]any      { return map[string]any{} }
func (InvalidAction) Config() map[string]any { return map[string]any{} }

func (ChangeStatus) isAction()     {}
func (UpdatePriority) isAction()   {}
func (SendNotification) isAction() {}
func (AddTag) isAction()           {}
func (Reassign) isAction()         {}
func (InvalidAction) isAction()    {}

// ParseAction builds a typed action from its wire form.
func ParseAction(typ string, cfg map[string]any) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(typ)) {
	case ActionChangeStatus:
		s, err := stringField(cfg, "newStatus", true)
		if err != nil {
			return nil, err
		}
		return ChangeStatus{NewStatus: NormalizeStatus(s)}, nil
	case ActionUpdatePriority:
		p, err := stringField(cfg, "newPriority", true)
		if err != nil {
			return nil, err
		}
		return UpdatePriority{NewPriority: strings.ToUpper(p)}, nil
	case ActionSendNotification:
		title, err := stringField(cfg, "title", true)
		if err != nil {
			return nil, err
		}
		msg, err := stringField(cfg, "message", false)
		if err != nil {
			return nil, err
		}
		assignees, err := boolField(cfg, "notifyAssignees")
		if err != nil {
			return nil, err
		}
		creator, err := boolField(cfg, "notifyCreator")
		if err != nil {
			return nil, err
		}
		return SendNotification{Title: title, Message: msg, NotifyAssignees: assignees, NotifyCreator: creator}, nil
	case ActionAddTag:
		tag, err := stringField(cfg, "tag", true)
		if err != nil {
			return nil, err
		}
		return AddTag{Tag: strings.ToLower(tag)}, nil
	case ActionReassign:
		return Reassign{}, nil
	case "":
		return nil, configErr("action_type", "required")
	default:
		return nil, configErr("action_type", "unknown action type %q", typ)
	}
}

// DecodeAction is the lenient form of ParseAction used when reading stored rules.
func DecodeAction(typ string, cfg map[string]any) Action {
	a, err := ParseAction(typ, cfg)
	if err != nil {
		return InvalidAction{Type: typ, Err: err}
	}
	return a
}

// Describe renders an action for the activity log.
func Describe(a Action) string {
	switch v := a.(type) {
	case ChangeStatus:
		return fmt.Sprintf("%s(%s)", ActionChangeStatus, v.NewStatus)
	case UpdatePriority:
		return fmt.Sprintf("%s(%s)", ActionUpdatePriority, v.NewPriority)
	case SendNotification:
		return fmt.Sprintf("%s(%q)", ActionSendNotification, v.Title)
	case AddTag:
		return fmt.Sprintf("%s(%s)", ActionAddTag, v.Tag)
	case nil:
		return "NONE"
	default:
		return a.ActionType()
	}
}
