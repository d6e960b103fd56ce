package courseapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientGetStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/courses/3/steps/7", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Step{ID: 7, CourseID: 3, Type: StepTypeQuiz, Questions: []Question{{Text: "q", Options: []string{"a", "b"}, CorrectIndex: 1}}})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Token: "secret", HTTPClient: srv.Client()}
	step, err := c.GetStep(context.Background(), 3, 7)
	require.NoError(t, err)
	assert.Equal(t, uint(7), step.ID)
	require.NotNil(t, step.Question(0))
	assert.True(t, step.Question(0).IsCorrect(1))
}

func TestClientErrorMapping(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	c := &Client{BaseURL: srv.URL, HTTPClient: srv.Client()}

	_, err := c.GetCourse(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))

	status = http.StatusBadGateway
	_, err = c.GetCourse(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnavailable)

	status = http.StatusBadRequest
	err = c.Enroll(context.Background(), 1, Learner{UserID: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestClientSendsLearnerQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "4", r.URL.Query().Get("bot_id"))
		assert.Equal(t, "9", r.URL.Query().Get("user_id"))
		assert.Equal(t, "555", r.URL.Query().Get("external_user_id"))
		_ = json.NewEncoder(w).Encode(AccessDecision{Allowed: false, RequiresPayment: true})
	}))
	defer srv.Close()
	c := &Client{BaseURL: srv.URL, HTTPClient: srv.Client()}

	d, err := c.CheckStepAccess(context.Background(), 1, 2, Learner{BotID: 4, UserID: 9, ExternalUserID: 555})
	require.NoError(t, err)
	assert.True(t, d.RequiresPayment)
}

func TestQuestionCorrectness(t *testing.T) {
	q := Question{Options: []string{"a", "b", "c"}, CorrectIndex: 2}
	tests := []struct {
		answer int
		want   bool
	}{
		{2, true},
		{1, false},
		{99, false},
		{-1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, q.IsCorrect(tt.answer), tt.answer)
	}
}

func TestCourseNavigationHelpers(t *testing.T) {
	c := Course{Steps: []StepSummary{{ID: 10, Position: 2}, {ID: 5, Position: 1}, {ID: 12, Position: 3}}}
	assert.Equal(t, uint(5), c.FirstStepID())

	prev, next := c.Neighbours(10)
	assert.Equal(t, uint(5), prev)
	assert.Equal(t, uint(12), next)

	p := Progress{CompletedStepIDs: []uint{5}, TotalSteps: 3}
	assert.True(t, p.IsCompleted(5))
	assert.Equal(t, 33, p.Percent())
}
