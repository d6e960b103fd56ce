// Package coursetest provides an in-memory course and progress service.
package coursetest

import (
	"context"
	"sync"

	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
)

// Service implements courseapi.CourseService and courseapi.ProgressService.
// Paid steps are denied with RequiresPayment; steps listed in Locked are
// denied as unfinished prerequisites.
type Service struct {
	mu sync.Mutex

	Courses map[uint]*courseapi.Course
	Steps   map[uint]*courseapi.Step
	Locked  map[uint]bool

	// StepErr, when set, is returned by GetStep.
	StepErr error

	Enrolled    map[courseapi.Learner][]uint
	Answers     []courseapi.QuizAnswer
	Completed   map[courseapi.Learner][]uint
	Submissions []courseapi.Submission
}

func New() *Service {
	return &Service{
		Courses:   map[uint]*courseapi.Course{},
		Steps:     map[uint]*courseapi.Step{},
		Locked:    map[uint]bool{},
		Enrolled:  map[courseapi.Learner][]uint{},
		Completed: map[courseapi.Learner][]uint{},
	}
}

// AddCourse registers a course and its steps. Step summaries are derived.
func (s *Service) AddCourse(course courseapi.Course, steps ...courseapi.Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	course.Steps = nil
	for i := range steps {
		st := steps[i]
		st.CourseID = course.ID
		if st.Position == 0 {
			st.Position = i + 1
		}
		s.Steps[st.ID] = &st
		course.Steps = append(course.Steps, courseapi.StepSummary{
			ID: st.ID, Title: st.Title, Type: st.Type, Position: st.Position, IsPaid: st.IsPaid,
		})
	}
	s.Courses[course.ID] = &course
}

func (s *Service) GetCourse(_ context.Context, courseID uint) (*courseapi.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Courses[courseID]
	if !ok {
		return nil, courseapi.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Service) GetStep(_ context.Context, courseID, stepID uint) (*courseapi.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StepErr != nil {
		return nil, s.StepErr
	}
	st, ok := s.Steps[stepID]
	if !ok || st.CourseID != courseID {
		return nil, courseapi.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Service) CheckStepAccess(_ context.Context, courseID, stepID uint, _ courseapi.Learner) (*courseapi.AccessDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.Steps[stepID]
	if !ok || st.CourseID != courseID {
		return nil, courseapi.ErrNotFound
	}
	switch {
	case st.IsPaid:
		return &courseapi.AccessDecision{Allowed: false, RequiresPayment: true, Reason: "payment required"}, nil
	case s.Locked[stepID]:
		return &courseapi.AccessDecision{Allowed: false, Reason: "prerequisites incomplete"}, nil
	}
	return &courseapi.AccessDecision{Allowed: true}, nil
}

func (s *Service) GetProgress(_ context.Context, courseID uint, learner courseapi.Learner) (*courseapi.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Courses[courseID]
	if !ok {
		return nil, courseapi.ErrNotFound
	}
	return &courseapi.Progress{
		CourseID:         courseID,
		CompletedStepIDs: append([]uint(nil), s.Completed[learner]...),
		TotalSteps:       len(c.Steps),
	}, nil
}

func (s *Service) Enroll(_ context.Context, courseID uint, learner courseapi.Learner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Enrolled[learner] = append(s.Enrolled[learner], courseID)
	return nil
}

func (s *Service) RecordQuizAnswer(_ context.Context, answer courseapi.QuizAnswer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Answers = append(s.Answers, answer)
	return nil
}

func (s *Service) CompleteStep(_ context.Context, _ uint, stepID uint, learner courseapi.Learner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.Completed[learner] {
		if id == stepID {
			return nil
		}
	}
	s.Completed[learner] = append(s.Completed[learner], stepID)
	return nil
}

func (s *Service) SubmitAssignment(_ context.Context, submission courseapi.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Submissions = append(s.Submissions, submission)
	return nil
}

// IsCompleted reports whether the learner finished stepID.
func (s *Service) IsCompleted(learner courseapi.Learner, stepID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.Completed[learner] {
		if id == stepID {
			return true
		}
	}
	return false
}

// RecordedAnswers returns a copy of recorded quiz answers.
func (s *Service) RecordedAnswers() []courseapi.QuizAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]courseapi.QuizAnswer(nil), s.Answers...)
}

// RecordedSubmissions returns a copy of assignment submissions.
func (s *Service) RecordedSubmissions() []courseapi.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]courseapi.Submission(nil), s.Submissions...)
}
