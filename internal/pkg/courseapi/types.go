package courseapi

import (
	"context"
	"errors"
	"sort"
)

const (
	StepTypeText       = "text"
	StepTypeVideo      = "video"
	StepTypeQuiz       = "quiz"
	StepTypeAssignment = "assignment"
)

var (
	ErrNotFound    = errors.New("course resource not found")
	ErrUnavailable = errors.New("course service unavailable")
)

// Course is the metadata needed to drive navigation.
type Course struct {
	ID          uint          `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Price       int64         `json:"price"`
	Currency    string        `json:"currency"`
	Steps       []StepSummary `json:"steps"`
}

func (c *Course) IsFree() bool {
	return c.Price <= 0
}

// Ordered returns the steps sorted by position.
func (c *Course) Ordered() []StepSummary {
	steps := append([]StepSummary(nil), c.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Position < steps[j].Position })
	return steps
}

// FirstStepID returns the step with the lowest position, or 0 for an empty course.
func (c *Course) FirstStepID() uint {
	steps := c.Ordered()
	if len(steps) == 0 {
		return 0
	}
	return steps[0].ID
}

// Neighbours returns the previous and next step ids around stepID (0 when none).
func (c *Course) Neighbours(stepID uint) (prev, next uint) {
	steps := c.Ordered()
	for i, s := range steps {
		if s.ID != stepID {
			continue
		}
		if i > 0 {
			prev = steps[i-1].ID
		}
		if i+1 < len(steps) {
			next = steps[i+1].ID
		}
		return prev, next
	}
	return 0, 0
}

type StepSummary struct {
	ID       uint   `json:"id"`
	Title    string `json:"title"`
	Type     string `json:"type"`
	Position int    `json:"position"`
	IsPaid   bool   `json:"is_paid"`
}

// Step is one unit of course content.
type Step struct {
	ID           uint       `json:"id"`
	CourseID     uint       `json:"course_id"`
	Title        string     `json:"title"`
	Type         string     `json:"type"`
	Position     int        `json:"position"`
	Content      string     `json:"content"`
	VideoURL     string     `json:"video_url,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
	Questions    []Question `json:"questions,omitempty"`
	IsPaid       bool       `json:"is_paid"`
	Price        int64      `json:"price"`
	Currency     string     `json:"currency"`
}

// Question returns the question at index, or nil when out of range.
func (s *Step) Question(index int) *Question {
	if index < 0 || index >= len(s.Questions) {
		return nil
	}
	return &s.Questions[index]
}

type Question struct {
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Explanation  string   `json:"explanation,omitempty"`
}

// IsCorrect compares answer against the stored index. Out-of-range answers are incorrect.
func (q *Question) IsCorrect(answer int) bool {
	if answer < 0 || answer >= len(q.Options) {
		return false
	}
	return answer == q.CorrectIndex
}

// Learner identifies a bot user towards the collaborators.
type Learner struct {
	BotID          uint  `json:"bot_id"`
	UserID         uint  `json:"user_id"`
	ExternalUserID int64 `json:"external_user_id"`
}

// AccessDecision is the collaborator verdict for one step.
type AccessDecision struct {
	Allowed         bool   `json:"allowed"`
	RequiresPayment bool   `json:"requires_payment"`
	Reason          string `json:"reason,omitempty"`
}

type Progress struct {
	CourseID         uint   `json:"course_id"`
	CompletedStepIDs []uint `json:"completed_step_ids"`
	CurrentStepID    uint   `json:"current_step_id"`
	TotalSteps       int    `json:"total_steps"`
}

func (p *Progress) IsCompleted(stepID uint) bool {
	for _, id := range p.CompletedStepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// Percent returns completion rounded down to a whole percent.
func (p *Progress) Percent() int {
	if p.TotalSteps == 0 {
		return 0
	}
	return len(p.CompletedStepIDs) * 100 / p.TotalSteps
}

type QuizAnswer struct {
	Learner       Learner `json:"learner"`
	CourseID      uint    `json:"course_id"`
	StepID        uint    `json:"step_id"`
	QuestionIndex int     `json:"question_index"`
	AnswerIndex   int     `json:"answer_index"`
	Correct       bool    `json:"correct"`
}

const (
	SubmissionText     = "text"
	SubmissionPhoto    = "photo"
	SubmissionDocument = "document"
)

type Submission struct {
	Learner  Learner `json:"learner"`
	CourseID uint    `json:"course_id"`
	StepID   uint    `json:"step_id"`
	Kind     string  `json:"kind"`
	Text     string  `json:"text,omitempty"`
	FileID   string  `json:"file_id,omitempty"`
	FileName string  `json:"file_name,omitempty"`
}

// CourseService reads course content and access rules.
type CourseService interface {
	GetCourse(ctx context.Context, courseID uint) (*Course, error)
	GetStep(ctx context.Context, courseID, stepID uint) (*Step, error)
	CheckStepAccess(ctx context.Context, courseID, stepID uint, learner Learner) (*AccessDecision, error)
}

// ProgressService persists enrollment, answers and submissions.
type ProgressService interface {
	GetProgress(ctx context.Context, courseID uint, learner Learner) (*Progress, error)
	Enroll(ctx context.Context, courseID uint, learner Learner) error
	RecordQuizAnswer(ctx context.Context, answer QuizAnswer) error
	CompleteStep(ctx context.Context, courseID, stepID uint, learner Learner) error
	SubmitAssignment(ctx context.Context, submission Submission) error
}
