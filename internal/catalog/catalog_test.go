package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/levelup/internal/memstore"
	"github.com/pavelanni/levelup/internal/model"
)

const taxonomyOnly = `{
  "branches": [{
    "key": "JEE", "name": "Joint Entrance Examination", "order": 1,
    "subjects": [{
      "key": "physics", "name": "Physics", "order": 1,
      "topics": [
        {"key": "kinematics", "name": "Kinematics", "syllabusPath": ["Mechanics", "Kinematics"], "order": 1},
        {"key": "optics", "name": "Optics", "order": 2}
      ]
    }]
  }]
}`

const questionsOnly = `{
  "questions": [
    {"branch": "JEE", "subject": "physics", "topics": ["kinematics"], "stem": "v = u + ?",
     "options": ["at", "gt²", "s/t"], "correctIndex": 0, "difficulty": 0.3},
    {"branch": "JEE", "subject": "physics", "topics": ["kinematics", "optics"], "stem": "Speed of light?",
     "options": ["3e8 m/s", "3e5 m/s"], "correctIndex": 0, "difficulty": 0.2, "status": "pending"}
  ]
}`

func TestSeed(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	im := NewImporter(m)

	sum, err := im.Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Branches)
	assert.Equal(t, 6, sum.Subjects)
	assert.Equal(t, 17, sum.Topics)
	assert.Equal(t, 45, sum.Questions)

	n, err := m.QuestionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 45, n)

	jee, err := m.GetBranchByKey(ctx, "JEE")
	require.NoError(t, err)
	physics, err := m.GetSubjectByKey(ctx, jee.ID, "physics")
	require.NoError(t, err)
	assert.Equal(t, 4, physics.TopicCount)

	// NEET physics is a different subject with the same key.
	neet, err := m.GetBranchByKey(ctx, "NEET")
	require.NoError(t, err)
	neetPhysics, err := m.GetSubjectByKey(ctx, neet.ID, "physics")
	require.NoError(t, err)
	assert.NotEqual(t, physics.ID, neetPhysics.ID)

	_, err = im.Seed(ctx)
	assert.ErrorIs(t, err, model.ErrDuplicateCatalog)
	n, _ = m.QuestionCount(ctx)
	assert.Equal(t, 45, n)
}

func TestImportResolvesExistingTaxonomy(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	im := NewImporter(m)

	_, err := im.Import(ctx, "taxonomy.json", []byte(taxonomyOnly))
	require.NoError(t, err)
	sum, err := im.Import(ctx, "questions.json", []byte(questionsOnly))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Questions)
	assert.Zero(t, sum.Branches)

	jee, _ := m.GetBranchByKey(ctx, "JEE")
	physics, _ := m.GetSubjectByKey(ctx, jee.ID, "physics")
	kin, _ := m.GetTopicByKey(ctx, physics.ID, "kinematics")
	assert.Equal(t, []string{"Mechanics", "Kinematics"}, kin.SyllabusPath)

	qs, err := m.QueryQuestions(ctx, model.QuestionQuery{BranchID: jee.ID, TopicID: kin.ID})
	require.NoError(t, err)
	require.Len(t, qs, 1, "only approved questions are selectable")
	assert.Equal(t, "v = u + ?", qs[0].Stem)
	assert.Equal(t, physics.ID, qs[0].SubjectID)
}

func TestImportRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		data string
		err  error
	}{
		{
			name: "unknown branch",
			data: `{"questions": [{"branch": "GATE", "subject": "physics", "stem": "x", "options": ["a","b"], "difficulty": 0.5}]}`,
			err:  model.ErrUnknownTaxonomyID,
		},
		{
			name: "unknown topic",
			data: `{"questions": [{"branch": "JEE", "subject": "physics", "topics": ["waves"], "stem": "x", "options": ["a","b"], "difficulty": 0.5}]}`,
			err:  model.ErrUnknownTaxonomyID,
		},
		{
			name: "invalid question",
			data: `{"questions": [
			  {"branch": "JEE", "subject": "physics", "stem": "ok", "options": ["a","b"], "difficulty": 0.5},
			  {"branch": "JEE", "subject": "physics", "stem": "bad", "options": ["a","b"], "correctIndex": 5, "difficulty": 0.5}
			]}`,
			err: model.ErrInvalidQuestion,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := memstore.New()
			im := NewImporter(m)
			_, err := im.Import(ctx, "taxonomy.json", []byte(taxonomyOnly))
			require.NoError(t, err)

			_, err = im.Import(ctx, "bad.json", []byte(tt.data))
			assert.ErrorIs(t, err, tt.err)

			n, _ := m.QuestionCount(ctx)
			assert.Zero(t, n, "nothing inserted")
			hash, _ := m.GetImportedFileHash(ctx, "bad.json")
			assert.Empty(t, hash, "failed import not recorded")
		})
	}

	_, err := Parse([]byte(`{"branches": [{"name": "no key"}]}`))
	assert.Error(t, err)
	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestImportFileChangedSinceLastImport(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	im := NewImporter(m)
	path := filepath.Join(t.TempDir(), "catalog.json")

	require.NoError(t, os.WriteFile(path, []byte(taxonomyOnly), 0o644))
	sum, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Topics)

	_, err = im.ImportFile(ctx, path)
	assert.ErrorIs(t, err, model.ErrDuplicateCatalog)

	require.NoError(t, os.WriteFile(path, []byte(questionsOnly), 0o644))
	_, err = im.ImportFile(ctx, path)
	assert.ErrorIs(t, err, model.ErrDuplicateCatalog)
	n, _ := m.QuestionCount(ctx)
	assert.Zero(t, n)

	_, err = im.ImportFile(ctx, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
