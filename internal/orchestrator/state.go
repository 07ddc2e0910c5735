package orchestrator

// Tag identifies which phase of the update cycle the orchestrator is in.
// An iteration is defined by how often Idle has been entered.
type Tag int

const (
	TagInit Tag = iota
	TagIdle
	TagMounting
	TagMounted
	TagSearching
	TagUpdateFound
	TagNoUpdateFound
	TagSkip
	TagUpdating
	TagUnmounting
	TagUnmounted
	TagUpdated
	TagDone
)

func (t Tag) String() string {
	switch t {
	case TagInit:
		return "init"
	case TagIdle:
		return "idle"
	case TagMounting:
		return "mounting"
	case TagMounted:
		return "mounted"
	case TagSearching:
		return "searching"
	case TagUpdateFound:
		return "updatefound"
	case TagNoUpdateFound:
		return "noupdatefound"
	case TagSkip:
		return "skip"
	case TagUpdating:
		return "updating"
	case TagUnmounting:
		return "unmounting"
	case TagUnmounted:
		return "unmounted"
	case TagUpdated:
		return "updated"
	case TagDone:
		return "done"
	default:
		return "unknown"
	}
}

// State is a single point-in-time snapshot of the orchestrator. Reboot is
// only meaningful for the three tags that carry it over D-Bus as
// MarkedForReboot (Unmounting, Unmounted, Updated); it is the zero value
// everywhere else.
type State struct {
	Tag       Tag
	Updated   bool
	Iteration uint
	Reboot    bool
}

func (s State) String() string {
	return s.Tag.String()
}

// MarkedForReboot reports whether the system has been told to reboot after
// a successful update, per spec.md §6's MarkedForReboot property.
func (s State) MarkedForReboot() bool {
	switch s.Tag {
	case TagUnmounting, TagUnmounted, TagUpdated:
		return s.Reboot
	default:
		return false
	}
}
