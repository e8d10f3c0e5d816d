package model

import "time"

// Config holds the engine parameters used by selection, scoring and skill updates.
// Production code uses DefaultConfig; tests may build alternate values.
type Config struct {
	QuestionsPerSession int           // questions per session
	PassThreshold       float64       // accuracy needed to level up (inclusive)
	LearningRate        float64       // skill step per unit of accuracy above/below threshold
	DifficultyRadius    float64       // query window radius around the target difficulty
	TargetJitter        float64       // half-width of the reported targeting range
	TargetFloor         float64       // lowest target difficulty
	TargetCeiling       float64       // highest target difficulty
	RecentQuestionsCap  int           // length of the recently-seen exclusion window
	PoolLimit           int           // max candidates fetched for balancing
	StaleAfter          time.Duration // questions older than this may be repeated as a last resort
	InitialSkill        float64
	InitialLevel        int
}

// DefaultConfig returns the production engine parameters.
func DefaultConfig() Config {
	return Config{
		QuestionsPerSession: 30,
		PassThreshold:       0.6,
		LearningRate:        0.1,
		DifficultyRadius:    0.15,
		TargetJitter:        0.1,
		TargetFloor:         0.2,
		TargetCeiling:       0.9,
		RecentQuestionsCap:  300,
		PoolLimit:           200,
		StaleAfter:          30 * 24 * time.Hour,
		InitialSkill:        0.5,
		InitialLevel:        1,
	}
}

// ExamConfig holds runtime server parameters set via CLI flags.
type ExamConfig struct {
	Lang           string        // language for API messages (en, hi)
	RequestTimeout time.Duration // per-request deadline applied by the router
	CORSOrigins    []string
	JWTSecret      string
	TokenTTL       time.Duration
}
