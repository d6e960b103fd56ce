package learning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
	"github.com/ManuelReschke/CourseFox/internal/pkg/events"
	"github.com/ManuelReschke/CourseFox/internal/pkg/render"
	"github.com/gofiber/fiber/v2/log"
)

// HandleTextMessage treats free text as an assignment answer when the
// current step is an assignment.
func (svc *Service) HandleTextMessage(ctx context.Context, s *Session, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return s.Send(ctx, render.NoActiveAssignment())
	}
	return svc.submit(ctx, s, courseapi.Submission{Kind: courseapi.SubmissionText, Text: text})
}

func (svc *Service) HandlePhotoMessage(ctx context.Context, s *Session, fileID, caption string) error {
	return svc.submit(ctx, s, courseapi.Submission{Kind: courseapi.SubmissionPhoto, FileID: fileID, Text: caption})
}

func (svc *Service) HandleDocumentMessage(ctx context.Context, s *Session, fileID, fileName, caption string) error {
	return svc.submit(ctx, s, courseapi.Submission{Kind: courseapi.SubmissionDocument, FileID: fileID, FileName: fileName, Text: caption})
}

func (svc *Service) submit(ctx context.Context, s *Session, sub courseapi.Submission) error {
	course, step, err := svc.currentStep(ctx, s)
	if err != nil {
		return err
	}
	if step == nil || step.Type != courseapi.StepTypeAssignment {
		return s.Send(ctx, render.NoActiveAssignment())
	}

	sub.Learner = s.Learner()
	sub.CourseID = course.ID
	sub.StepID = step.ID
	if err := svc.progress.SubmitAssignment(ctx, sub); err != nil {
		return fmt.Errorf("submit assignment: %w", err)
	}
	if err := svc.progress.CompleteStep(ctx, course.ID, step.ID, s.Learner()); err != nil {
		log.Warnf("[Learning] complete assignment %d for user %d failed: %v", step.ID, s.User.ExternalUserID, err)
	}

	err = svc.events.Publish(ctx, events.Event{
		Type:           events.TypeAssignmentSubmitted,
		BotID:          s.Config.ID,
		UserID:         s.User.ID,
		ExternalUserID: s.User.ExternalUserID,
		CourseID:       course.ID,
		StepID:         step.ID,
		OccurredAt:     svc.now(),
	})
	if err != nil {
		log.Warnf("[Learning] publish %s failed: %v", events.TypeAssignmentSubmitted, err)
	}

	state := s.User.GetSession()
	state.LastAction = "submission_" + sub.Kind
	if err := svc.save(ctx, s, state); err != nil {
		return err
	}
	return s.Send(ctx, render.AssignmentReceived(step))
}

// SetClock replaces the time source.
func (svc *Service) SetClock(now func() time.Time) {
	svc.now = now
}
