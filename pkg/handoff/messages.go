// Package handoff passes committed matches to downstream services over Kafka.
//
// For every match, the Dispatcher persists a room and publishes
// a match-created event for question selection
// and a session-provision event for the collaboration service.
// Keys of all messages are match IDs, so that all events of a match share a partition.
// Values are JSON.
//
// The ReplyWorker stores questions selected downstream,
// the NotifyWorker tells both participants about their session.
package handoff

import (
	"strings"
	"time"
)

// Kafka topic kinds.
const (
	TopicMatchCreated     = "match-created"
	TopicQuestionSelected = "question-selected"
	TopicSessionProvision = "session-provision"
)

// Topic returns a Kafka topic of a deployment.
func Topic(prefix, kind string) string {
	return prefix + "." + kind
}

// KindOfTopic returns the kind of a Kafka topic.
// Returns an empty string on failure.
func KindOfTopic(topic string) string {
	i := strings.LastIndexByte(topic, '.')
	if i < 0 {
		return ""
	}
	return topic[i+1:]
}

// Topics holds the Kafka topics of a deployment.
type Topics struct {
	MatchCreated     string
	QuestionSelected string
	SessionProvision string
}

// TopicsForPrefix returns the topics of a deployment.
func TopicsForPrefix(prefix string) Topics {
	return Topics{
		MatchCreated:     Topic(prefix, TopicMatchCreated),
		QuestionSelected: Topic(prefix, TopicQuestionSelected),
		SessionProvision: Topic(prefix, TopicSessionProvision),
	}
}

// Participant identifies one side of a match to downstream services.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// MatchCreated asks question selection for a question.
type MatchCreated struct {
	MatchID      string        `json:"matchId"`
	SessionID    string        `json:"sessionId"`
	Category     string        `json:"category"`
	Difficulty   string        `json:"difficulty"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// QuestionSelected is the reply of question selection.
type QuestionSelected struct {
	MatchID    string `json:"matchId"`
	QuestionID string `json:"questionId"`
}

// SessionProvision asks the collaboration service to prepare a session.
type SessionProvision struct {
	MatchID        string   `json:"matchId"`
	SessionID      string   `json:"sessionId"`
	ParticipantIDs []string `json:"participantIds"`
	Category       string   `json:"category"`
	Difficulty     string   `json:"difficulty"`
}
