// Package learning is the per-user session state machine: registration,
// step navigation with paywalls, quizzes and assignment submissions.
package learning

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/billing"
	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
	"github.com/ManuelReschke/CourseFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/CourseFox/internal/pkg/events"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
	"github.com/ManuelReschke/CourseFox/internal/pkg/render"
	"github.com/gofiber/fiber/v2/log"
)

// Session is everything a handler needs about the current update.
type Session struct {
	Bot     platform.Bot
	Config  *models.BotConfig
	User    *models.BotUser
	ChatID  int64
	Created bool
}

func (s *Session) Learner() courseapi.Learner {
	return courseapi.Learner{BotID: s.Config.ID, UserID: s.User.ID, ExternalUserID: s.User.ExternalUserID}
}

func (s *Session) Send(ctx context.Context, msgs ...render.Message) error {
	for _, m := range msgs {
		if err := s.Bot.SendMessage(ctx, s.ChatID, m); err != nil {
			return err
		}
	}
	return nil
}

// Payments starts the paywall purchase flow.
type Payments interface {
	CreatePayment(ctx context.Context, req billing.CreatePaymentRequest) (*models.Payment, error)
}

type Service struct {
	users    repository.BotUserRepository
	access   repository.AccessRepository
	courses  courseapi.CourseService
	progress courseapi.ProgressService
	checker  *entitlements.Checker
	payments Payments
	events   events.Publisher
	now      func() time.Time
}

func NewService(repos *repository.Repositories, courses courseapi.CourseService, progress courseapi.ProgressService, payments Payments, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		users:    repos.BotUser,
		access:   repos.Access,
		courses:  courses,
		progress: progress,
		checker:  entitlements.NewChecker(courses, repos.Access),
		payments: payments,
		events:   publisher,
		now:      time.Now,
	}
}

func (svc *Service) course(ctx context.Context, s *Session) (*courseapi.Course, error) {
	course, err := svc.courses.GetCourse(ctx, s.Config.CourseID)
	if err != nil {
		return nil, fmt.Errorf("load course %d: %w", s.Config.CourseID, err)
	}
	return course, nil
}

func (svc *Service) save(ctx context.Context, s *Session, state models.SessionState) error {
	s.User.SetSession(state)
	if err := svc.users.SaveSession(ctx, s.User); err != nil {
		return fmt.Errorf("save session for user %d: %w", s.User.ID, err)
	}
	return nil
}

// progressOf tolerates an unavailable progress service; the caller renders
// without completion data.
func (svc *Service) progressOf(ctx context.Context, s *Session, course *courseapi.Course) *courseapi.Progress {
	p, err := svc.progress.GetProgress(ctx, course.ID, s.Learner())
	if err != nil {
		log.Warnf("[Learning] progress for bot %d user %d unavailable: %v", s.Config.ID, s.User.ExternalUserID, err)
		return &courseapi.Progress{CourseID: course.ID, TotalSteps: len(course.Steps)}
	}
	return p
}

// ParseDeepLink extracts the step id from a "/start step_<id>" payload.
func ParseDeepLink(payload string) (uint, bool) {
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, "step_") {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(payload, "step_"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// HandleStart registers the user, enrolls free courses and renders the
// welcome message. A deep-link payload jumps straight to that step.
func (svc *Service) HandleStart(ctx context.Context, s *Session, payload string) error {
	course, err := svc.course(ctx, s)
	if err != nil {
		return err
	}
	learner := s.Learner()

	if s.Created {
		if err := svc.progress.Enroll(ctx, course.ID, learner); err != nil {
			log.Warnf("[Learning] enroll bot %d user %d failed: %v", s.Config.ID, s.User.ExternalUserID, err)
		}
		if course.IsFree() {
			if err := svc.access.GrantFreeCourse(ctx, s.User.ID, course.ID, svc.now()); err != nil {
				return fmt.Errorf("grant free course: %w", err)
			}
		}
	}

	state := s.User.GetSession()
	state.LastAction = "start"

	entry := uint(0)
	resumed := false
	if s.User.CurrentStepID != nil {
		entry, resumed = *s.User.CurrentStepID, true
	} else if p := svc.progressOf(ctx, s, course); p.CurrentStepID != 0 {
		entry, resumed = p.CurrentStepID, true
	} else {
		entry = course.FirstStepID()
	}

	settings := s.Config.GetSettings()
	if err := s.Send(ctx, render.Welcome(course, s.User.DisplayName(), settings.WelcomeMessage, entry, resumed)); err != nil {
		return err
	}

	stepID, deepLink := ParseDeepLink(payload)
	if deepLink {
		state.DeepLinkPayload = payload
	}
	if err := svc.save(ctx, s, state); err != nil {
		return err
	}
	if deepLink {
		return svc.HandleStepNavigation(ctx, s, stepID)
	}
	return nil
}

func (svc *Service) HandleCourseMenu(ctx context.Context, s *Session) error {
	course, err := svc.course(ctx, s)
	if err != nil {
		return err
	}
	progress := svc.progressOf(ctx, s, course)
	locks := svc.checker.MenuLocks(ctx, s.User.ID, course.ID)
	if err := s.Send(ctx, render.CourseMenu(course, progress, locks)); err != nil {
		return err
	}
	state := s.User.GetSession()
	state.LastAction = "course_menu"
	return svc.save(ctx, s, state)
}

func (svc *Service) HandleProgress(ctx context.Context, s *Session) error {
	course, err := svc.course(ctx, s)
	if err != nil {
		return err
	}
	progress, err := svc.progress.GetProgress(ctx, course.ID, s.Learner())
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	if err := s.Send(ctx, render.ProgressReport(course, progress)); err != nil {
		return err
	}
	state := s.User.GetSession()
	state.LastAction = "progress"
	return svc.save(ctx, s, state)
}

func (svc *Service) HandleHelp(ctx context.Context, s *Session) error {
	return s.Send(ctx, render.Help(s.Config.GetSettings().SupportContact))
}

func (svc *Service) HandleUnknownCommand(ctx context.Context, s *Session) error {
	return s.Send(ctx, render.UnknownCommand())
}
