package learning

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
	"github.com/ManuelReschke/CourseFox/internal/pkg/render"
)

// HandleQuizAnswer records one answer, gives feedback and either asks the
// next question or closes the quiz. Buttons for any question other than the
// current one re-ask the current one and record nothing. Answers to a quiz
// that was not opened through navigation reopen it instead.
func (svc *Service) HandleQuizAnswer(ctx context.Context, s *Session, stepID uint, questionIndex, answerIndex int) error {
	course, err := svc.course(ctx, s)
	if err != nil {
		return err
	}
	step, err := svc.loadStep(ctx, s, course, stepID)
	if err != nil || step == nil {
		return err
	}
	question := step.Question(questionIndex)
	if step.Type != courseapi.StepTypeQuiz || question == nil {
		return s.Send(ctx, render.StepNotFound())
	}

	state := s.User.GetSession()
	if state.QuizStepID != step.ID {
		// Only navigation opens a quiz, so access is checked there.
		return svc.HandleStepNavigation(ctx, s, step.ID)
	}
	if questionIndex != state.QuestionIndex {
		return s.Send(ctx, render.QuizQuestion(step, state.QuestionIndex))
	}

	correct := question.IsCorrect(answerIndex)
	err = svc.progress.RecordQuizAnswer(ctx, courseapi.QuizAnswer{
		Learner:       s.Learner(),
		CourseID:      course.ID,
		StepID:        step.ID,
		QuestionIndex: questionIndex,
		AnswerIndex:   answerIndex,
		Correct:       correct,
	})
	if err != nil {
		return fmt.Errorf("record quiz answer: %w", err)
	}
	if correct {
		state.CorrectAnswers++
	}
	state.LastAction = "quiz_answer"

	nextQuestion := questionIndex + 1
	if step.Question(nextQuestion) != nil {
		state.QuestionIndex = nextQuestion
		if err := svc.save(ctx, s, state); err != nil {
			return err
		}
		return s.Send(ctx, render.QuizFeedback(question, correct), render.QuizQuestion(step, nextQuestion))
	}

	if err := svc.progress.CompleteStep(ctx, course.ID, step.ID, s.Learner()); err != nil {
		return fmt.Errorf("complete quiz step: %w", err)
	}
	score := state.CorrectAnswers
	state.QuizStepID, state.QuestionIndex, state.CorrectAnswers = 0, 0, 0
	state.LastAction = "quiz_finished"
	if err := svc.save(ctx, s, state); err != nil {
		return err
	}
	_, next := course.Neighbours(step.ID)
	return s.Send(ctx, render.QuizFeedback(question, correct), render.QuizResult(step, score, next))
}
