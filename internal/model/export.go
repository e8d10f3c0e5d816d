package model

import "time"

// SessionExport is the top-level JSON structure for session result export.
type SessionExport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	BranchKey   string          `json:"branch_key,omitempty"`
	Results     []StudentResult `json:"results"`
}

// StudentResult holds one completed session for export.
type StudentResult struct {
	SessionID        string           `json:"session_id"`
	ExternalID       string           `json:"external_id"`
	DisplayName      string           `json:"display_name"`
	SessionNumber    int              `json:"session_number"`
	Mode             Mode             `json:"mode"`
	BranchID         string           `json:"branch_id"`
	SubjectID        string           `json:"subject_id,omitempty"`
	TopicID          string           `json:"topic_id,omitempty"`
	LevelNumber      int              `json:"level_number"`
	TargetDifficulty float64          `json:"target_difficulty"`
	StartedAt        time.Time        `json:"started_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	Score            float64          `json:"score"`
	Questions        []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	QuestionID    string  `json:"question_id"`
	Stem          string  `json:"stem"`
	Difficulty    float64 `json:"difficulty"`
	CorrectIndex  int     `json:"correct_index"`
	SelectedIndex *int    `json:"selected_index,omitempty"`
	Correct       bool    `json:"correct"`
	TimeSec       float64 `json:"time_sec"`
}
