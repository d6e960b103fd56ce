package learning

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuelReschke/CourseFox/internal/pkg/billing"
	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
	"github.com/ManuelReschke/CourseFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/CourseFox/internal/pkg/render"
	"github.com/gofiber/fiber/v2/log"
)

// loadStep resolves a step of the tenant's course. A missing step is
// reported to the user and yields (nil, nil).
func (svc *Service) loadStep(ctx context.Context, s *Session, course *courseapi.Course, stepID uint) (*courseapi.Step, error) {
	step, err := svc.courses.GetStep(ctx, course.ID, stepID)
	if errors.Is(err, courseapi.ErrNotFound) {
		return nil, s.Send(ctx, render.StepNotFound())
	}
	if err != nil {
		return nil, fmt.Errorf("load step %d: %w", stepID, err)
	}
	return step, nil
}

// HandleStepNavigation opens a step. Paid steps without a grant render the
// paywall and leave the current step untouched.
func (svc *Service) HandleStepNavigation(ctx context.Context, s *Session, stepID uint) error {
	course, err := svc.course(ctx, s)
	if err != nil {
		return err
	}
	step, err := svc.loadStep(ctx, s, course, stepID)
	if err != nil || step == nil {
		return err
	}

	settings := s.Config.GetSettings()
	decision, err := svc.checker.StepAccess(ctx, course, step, s.Learner(), settings.Currency)
	if err != nil {
		return err
	}
	state := s.User.GetSession()
	switch decision.Verdict {
	case entitlements.PaymentRequired:
		state.LastAction = "paywall"
		if err := s.Send(ctx, render.Paywall(step, decision.Price, decision.Currency)); err != nil {
			return err
		}
		return svc.save(ctx, s, state)
	case entitlements.PrerequisitesRequired:
		return s.Send(ctx, render.PrerequisitesRequired(step))
	}

	id := step.ID
	s.User.CurrentStepID = &id
	state.LastAction = "view_step"
	state.AwaitingStepID = 0
	state.QuizStepID, state.QuestionIndex, state.CorrectAnswers = 0, 0, 0
	switch step.Type {
	case courseapi.StepTypeQuiz:
		state.QuizStepID = step.ID
	case courseapi.StepTypeAssignment:
		state.AwaitingStepID = step.ID
	}
	if err := svc.save(ctx, s, state); err != nil {
		return err
	}

	if step.Type == courseapi.StepTypeText || step.Type == courseapi.StepTypeVideo {
		if err := svc.progress.CompleteStep(ctx, course.ID, step.ID, s.Learner()); err != nil {
			log.Warnf("[Learning] complete step %d for user %d failed: %v", step.ID, s.User.ExternalUserID, err)
		}
	}

	prev, next := course.Neighbours(step.ID)
	return s.Send(ctx, render.Step(step, prev, next)...)
}

// HandleRelativeStep moves forward (delta > 0) or back from the current step.
// Without a current step the first step opens. Running off the end shows the
// progress summary.
func (svc *Service) HandleRelativeStep(ctx context.Context, s *Session, delta int) error {
	course, err := svc.course(ctx, s)
	if err != nil {
		return err
	}
	if s.User.CurrentStepID == nil {
		first := course.FirstStepID()
		if first == 0 {
			return s.Send(ctx, render.StepNotFound())
		}
		return svc.HandleStepNavigation(ctx, s, first)
	}

	prev, next := course.Neighbours(*s.User.CurrentStepID)
	target := next
	if delta < 0 {
		target = prev
	}
	if target != 0 {
		return svc.HandleStepNavigation(ctx, s, target)
	}
	if delta < 0 {
		return svc.HandleCourseMenu(ctx, s)
	}
	return svc.HandleProgress(ctx, s)
}

// HandlePayLesson starts the purchase of a paywalled step. Steps the user
// can already open are reported as unlocked.
func (svc *Service) HandlePayLesson(ctx context.Context, s *Session, stepID uint) error {
	course, err := svc.course(ctx, s)
	if err != nil {
		return err
	}
	step, err := svc.loadStep(ctx, s, course, stepID)
	if err != nil || step == nil {
		return err
	}
	settings := s.Config.GetSettings()
	decision, err := svc.checker.StepAccess(ctx, course, step, s.Learner(), settings.Currency)
	if err != nil {
		return err
	}
	switch decision.Verdict {
	case entitlements.Allowed:
		return s.Send(ctx, render.AlreadyUnlocked(step.ID))
	case entitlements.PrerequisitesRequired:
		return s.Send(ctx, render.PrerequisitesRequired(step))
	}
	if svc.payments == nil || settings.PaymentProviderToken == "" {
		return s.Send(ctx, render.PaymentUnavailable())
	}

	payment, err := svc.payments.CreatePayment(ctx, billing.CreatePaymentRequest{
		Bot:      s.Bot,
		Config:   s.Config,
		User:     s.User,
		ChatID:   s.ChatID,
		Course:   course,
		Step:     step,
		Amount:   decision.Price,
		Currency: decision.Currency,
	})
	if errors.Is(err, billing.ErrInvoiceRejected) {
		// the user was already told
		log.Warnf("[Learning] invoice for step %d rejected: %v", step.ID, err)
		return nil
	}
	if err != nil {
		return err
	}
	state := s.User.GetSession()
	state.PendingPayment = payment.ID
	state.LastAction = "invoice"
	return svc.save(ctx, s, state)
}

// currentStep returns the step the user is on, or nil.
func (svc *Service) currentStep(ctx context.Context, s *Session) (*courseapi.Course, *courseapi.Step, error) {
	if s.User.CurrentStepID == nil {
		return nil, nil, nil
	}
	course, err := svc.course(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	step, err := svc.courses.GetStep(ctx, course.ID, *s.User.CurrentStepID)
	if errors.Is(err, courseapi.ErrNotFound) {
		return course, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load step %d: %w", *s.User.CurrentStepID, err)
	}
	return course, step, nil
}
