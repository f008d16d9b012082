// Package conversation models a two-party chat log and the turn-taking
// machine that decides whether the user or the bot acts next.
package conversation

// Role attributes a turn to one side of the conversation.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Turn is one message in the conversation. Turns are values and are never
// modified once appended.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
