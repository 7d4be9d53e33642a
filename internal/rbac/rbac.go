package rbac

type Role string
type Action string

const (
	RoleAnnotator Role = "ANNOTATOR"
	RoleQA        Role = "QA"
	RoleAdmin     Role = "ADMIN"
)

const (
	// ActionAnnotate covers the annotator workflow: drafts, submit, rework.
	ActionAnnotate Action = "annotate"
	// ActionReview covers the QA workflow: claim, accept, reject.
	ActionReview Action = "review"
	// ActionManage covers datasets, users, classes and platform settings.
	ActionManage Action = "manage"
	ActionRead   Action = "read"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleQA:
		return action == ActionRead || action == ActionReview
	case RoleAnnotator:
		return action == ActionRead || action == ActionAnnotate
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAnnotator, RoleQA, RoleAdmin:
		return Role(role)
	default:
		return RoleAnnotator
	}
}
