// Package catalog imports taxonomy and questions from JSON catalogue files.
//
// A catalogue declares branches with nested subjects and topics, and questions that
// reference them by key:
//
//	{
//	  "branches": [{"key": "JEE", "name": "...", "subjects": [{"key": "physics", "topics": [...]}]}],
//	  "questions": [{"branch": "JEE", "subject": "physics", "topics": ["kinematics"], ...}]
//	}
//
// Taxonomy is upserted by key, so re-declaring a branch in a later file is harmless.
// Questions are inserted; a file is imported at most once, tracked by its SHA-256 hash.
package catalog

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/pavelanni/levelup/internal/model"
)

//go:embed sample/*.json
var sampleFS embed.FS

const sampleName = "embedded:sample/jee_neet.json"

// File is the on-disk catalogue format.
type File struct {
	Branches  []BranchDef   `json:"branches"`
	Questions []QuestionDef `json:"questions"`
}

// BranchDef declares a branch and its subjects.
type BranchDef struct {
	Key      string       `json:"key"`
	Name     string       `json:"name"`
	Order    int          `json:"order"`
	Subjects []SubjectDef `json:"subjects"`
}

// SubjectDef declares a subject and its topics.
type SubjectDef struct {
	Key    string     `json:"key"`
	Name   string     `json:"name"`
	Order  int        `json:"order"`
	Topics []TopicDef `json:"topics"`
}

// TopicDef declares a topic.
type TopicDef struct {
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	SyllabusPath []string `json:"syllabusPath"`
	Order        int      `json:"order"`
}

// QuestionDef is a question referencing its taxonomy by key.
type QuestionDef struct {
	Branch       string   `json:"branch"`
	Subject      string   `json:"subject"`
	Topics       []string `json:"topics"`
	Stem         string   `json:"stem"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Solution     string   `json:"solution"`
	Difficulty   float64  `json:"difficulty"`
	Tags         []string `json:"tags"`
	Status       string   `json:"status"`
}

// Repository is the storage the importer writes to.
type Repository interface {
	UpsertBranch(ctx context.Context, b model.Branch) (model.Branch, error)
	GetBranchByKey(ctx context.Context, key string) (model.Branch, error)
	UpsertSubject(ctx context.Context, s model.Subject) (model.Subject, error)
	GetSubjectByKey(ctx context.Context, branchID, key string) (model.Subject, error)
	UpsertTopic(ctx context.Context, t model.Topic) (model.Topic, error)
	GetTopicByKey(ctx context.Context, subjectID, key string) (model.Topic, error)
	InsertQuestion(ctx context.Context, q model.Question) (string, error)
	GetImportedFileHash(ctx context.Context, name string) (string, error)
	SetImportedFileHash(ctx context.Context, name, hash string) error
}

// Summary reports what an import wrote.
type Summary struct {
	Name      string `json:"name"`
	Branches  int    `json:"branches"`
	Subjects  int    `json:"subjects"`
	Topics    int    `json:"topics"`
	Questions int    `json:"questions"`
}

// Importer loads catalogue files into a repository.
type Importer struct {
	repo Repository
}

// NewImporter returns an importer writing to repo.
func NewImporter(repo Repository) *Importer {
	return &Importer{repo: repo}
}

// Parse decodes a catalogue and checks that every declaration has a key.
func Parse(data []byte) (File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse catalogue: %w", err)
	}
	for _, b := range f.Branches {
		if b.Key == "" {
			return f, errors.New("parse catalogue: branch without key")
		}
		for _, s := range b.Subjects {
			if s.Key == "" {
				return f, fmt.Errorf("parse catalogue: subject without key in branch %s", b.Key)
			}
			for _, t := range s.Topics {
				if t.Key == "" {
					return f, fmt.Errorf("parse catalogue: topic without key in %s/%s", b.Key, s.Key)
				}
			}
		}
	}
	return f, nil
}

// ImportFile reads and imports a catalogue file from disk.
func (im *Importer) ImportFile(ctx context.Context, path string) (Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Summary{Name: path}, fmt.Errorf("read %s: %w", path, err)
	}
	return im.Import(ctx, path, data)
}

// Seed imports the embedded JEE/NEET sample catalogue.
func (im *Importer) Seed(ctx context.Context) (Summary, error) {
	data, err := sampleFS.ReadFile("sample/jee_neet.json")
	if err != nil {
		return Summary{Name: sampleName}, fmt.Errorf("read embedded sample: %w", err)
	}
	return im.Import(ctx, sampleName, data)
}

// Import writes a catalogue recorded under name. A file already imported under the same
// name fails with model.ErrDuplicateCatalog, whether or not its content changed.
func (im *Importer) Import(ctx context.Context, name string, data []byte) (Summary, error) {
	sum := Summary{Name: name}
	hash := sha256sum(data)
	stored, err := im.repo.GetImportedFileHash(ctx, name)
	if err != nil {
		return sum, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == hash {
		return sum, fmt.Errorf("%w: %s unchanged", model.ErrDuplicateCatalog, name)
	}
	if stored != "" {
		return sum, fmt.Errorf("%w: %s changed since last import", model.ErrDuplicateCatalog, name)
	}

	f, err := Parse(data)
	if err != nil {
		return sum, fmt.Errorf("%s: %w", name, err)
	}
	if err := im.upsertTaxonomy(ctx, f, &sum); err != nil {
		return sum, fmt.Errorf("%s: %w", name, err)
	}

	questions, err := im.resolve(ctx, f.Questions)
	if err != nil {
		return sum, fmt.Errorf("%s: %w", name, err)
	}
	for i, q := range questions {
		if _, err := im.repo.InsertQuestion(ctx, q); err != nil {
			return sum, fmt.Errorf("%s: insert question %d: %w", name, i, err)
		}
		sum.Questions++
	}

	if err := im.repo.SetImportedFileHash(ctx, name, hash); err != nil {
		return sum, fmt.Errorf("record import for %s: %w", name, err)
	}
	slog.Info("imported catalogue", "name", name, "branches", sum.Branches, "subjects", sum.Subjects,
		"topics", sum.Topics, "questions", sum.Questions)
	return sum, nil
}

func (im *Importer) upsertTaxonomy(ctx context.Context, f File, sum *Summary) error {
	for _, bd := range f.Branches {
		b, err := im.repo.UpsertBranch(ctx, model.Branch{Key: bd.Key, Name: bd.Name, Order: bd.Order})
		if err != nil {
			return err
		}
		sum.Branches++
		for _, sd := range bd.Subjects {
			s, err := im.repo.UpsertSubject(ctx, model.Subject{BranchID: b.ID, Key: sd.Key, Name: sd.Name, Order: sd.Order})
			if err != nil {
				return err
			}
			sum.Subjects++
			for _, td := range sd.Topics {
				_, err := im.repo.UpsertTopic(ctx, model.Topic{
					BranchID:     b.ID,
					SubjectID:    s.ID,
					Key:          td.Key,
					Name:         td.Name,
					SyllabusPath: td.SyllabusPath,
					Order:        td.Order,
				})
				if err != nil {
					return err
				}
				sum.Topics++
			}
		}
	}
	return nil
}

// resolve maps taxonomy keys to ids and validates every question before anything is inserted.
func (im *Importer) resolve(ctx context.Context, defs []QuestionDef) ([]model.Question, error) {
	r := resolver{repo: im.repo, branches: map[string]string{}, subjects: map[string]string{}, topics: map[string]string{}}
	out := make([]model.Question, 0, len(defs))
	for i, d := range defs {
		branchID, err := r.branch(ctx, d.Branch)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		subjectID, err := r.subject(ctx, branchID, d.Branch, d.Subject)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		topicIDs := make([]string, 0, len(d.Topics))
		for _, tk := range d.Topics {
			id, err := r.topic(ctx, subjectID, d.Subject, tk)
			if err != nil {
				return nil, fmt.Errorf("question %d: %w", i, err)
			}
			topicIDs = append(topicIDs, id)
		}

		status := model.QuestionStatus(d.Status)
		if status == "" {
			status = model.StatusApproved
		}
		q := model.Question{
			BranchID:     branchID,
			SubjectID:    subjectID,
			TopicIDs:     topicIDs,
			Source:       model.SourceDB,
			Status:       status,
			Stem:         d.Stem,
			Options:      d.Options,
			CorrectIndex: d.CorrectIndex,
			Solution:     d.Solution,
			Difficulty:   d.Difficulty,
			Tags:         d.Tags,
		}
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		out = append(out, q)
	}
	return out, nil
}

type resolver struct {
	repo     Repository
	branches map[string]string // key -> id
	subjects map[string]string // branchID/key -> id
	topics   map[string]string // subjectID/key -> id
}

func (r *resolver) branch(ctx context.Context, key string) (string, error) {
	if id, ok := r.branches[key]; ok {
		return id, nil
	}
	b, err := r.repo.GetBranchByKey(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return "", fmt.Errorf("%w: branch %q", model.ErrUnknownTaxonomyID, key)
	}
	if err != nil {
		return "", err
	}
	r.branches[key] = b.ID
	return b.ID, nil
}

func (r *resolver) subject(ctx context.Context, branchID, branchKey, key string) (string, error) {
	ck := branchID + "/" + key
	if id, ok := r.subjects[ck]; ok {
		return id, nil
	}
	s, err := r.repo.GetSubjectByKey(ctx, branchID, key)
	if errors.Is(err, model.ErrNotFound) {
		return "", fmt.Errorf("%w: subject %q in branch %q", model.ErrUnknownTaxonomyID, key, branchKey)
	}
	if err != nil {
		return "", err
	}
	r.subjects[ck] = s.ID
	return s.ID, nil
}

func (r *resolver) topic(ctx context.Context, subjectID, subjectKey, key string) (string, error) {
	ck := subjectID + "/" + key
	if id, ok := r.topics[ck]; ok {
		return id, nil
	}
	t, err := r.repo.GetTopicByKey(ctx, subjectID, key)
	if errors.Is(err, model.ErrNotFound) {
		return "", fmt.Errorf("%w: topic %q in subject %q", model.ErrUnknownTaxonomyID, key, subjectKey)
	}
	if err != nil {
		return "", err
	}
	r.topics[ck] = t.ID
	return t.ID, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
