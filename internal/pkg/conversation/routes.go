package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/internal/pkg/billing"
	"github.com/ManuelReschke/CourseFox/internal/pkg/learning"
	"github.com/ManuelReschke/CourseFox/internal/pkg/platform"
	"github.com/ManuelReschke/CourseFox/internal/pkg/render"
	"github.com/gofiber/fiber/v2/log"
)

type handlerFunc func(ctx context.Context, s *learning.Session, u *platform.Update, args []string) error

// route binds an update kind and key pattern to a handler. A nil pattern
// matches any key of that kind.
type route struct {
	kind    string
	action  string
	pattern *regexp.Regexp
	handle  handlerFunc
}

var (
	stepPattern = regexp.MustCompile(`^step_(\d+)$`)
	quizPattern = regexp.MustCompile(`^quiz_(\d+)_(\d+)_(\d+)$`)
	payPattern  = regexp.MustCompile(`^pay_lesson_(\d+)$`)
)

func exactPattern(s string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(s) + "$")
}

// webAppPayload is the JSON sent by the embedded course app.
type webAppPayload struct {
	Action string `json:"action"`
	StepID uint   `json:"stepId"`
}

func (d *Dispatcher) table() []route {
	l := d.router.learning
	return []route{
		{kind: models.EventTypeCommand, action: "start", pattern: exactPattern("start"),
			handle: func(ctx context.Context, s *learning.Session, u *platform.Update, _ []string) error {
				return l.HandleStart(ctx, s, u.Message.CommandArguments())
			}},
		{kind: models.EventTypeCommand, action: "courses", pattern: exactPattern("courses"), handle: d.courseMenu},
		{kind: models.EventTypeCommand, action: "progress", pattern: exactPattern("progress"), handle: d.progress},
		{kind: models.EventTypeCommand, action: "help", pattern: exactPattern("help"),
			handle: func(ctx context.Context, s *learning.Session, _ *platform.Update, _ []string) error {
				return l.HandleHelp(ctx, s)
			}},
		{kind: models.EventTypeCommand, action: "unknown_command",
			handle: func(ctx context.Context, s *learning.Session, _ *platform.Update, _ []string) error {
				return l.HandleUnknownCommand(ctx, s)
			}},

		{kind: models.EventTypeCallbackQuery, action: "step", pattern: stepPattern,
			handle: func(ctx context.Context, s *learning.Session, _ *platform.Update, args []string) error {
				return l.HandleStepNavigation(ctx, s, parseID(args[0]))
			}},
		{kind: models.EventTypeCallbackQuery, action: "quiz_answer", pattern: quizPattern,
			handle: func(ctx context.Context, s *learning.Session, _ *platform.Update, args []string) error {
				return l.HandleQuizAnswer(ctx, s, parseID(args[0]), parseIndex(args[1]), parseIndex(args[2]))
			}},
		{kind: models.EventTypeCallbackQuery, action: render.CallbackNextStep, pattern: exactPattern(render.CallbackNextStep),
			handle: func(ctx context.Context, s *learning.Session, _ *platform.Update, _ []string) error {
				return l.HandleRelativeStep(ctx, s, 1)
			}},
		{kind: models.EventTypeCallbackQuery, action: render.CallbackPrevStep, pattern: exactPattern(render.CallbackPrevStep),
			handle: func(ctx context.Context, s *learning.Session, _ *platform.Update, _ []string) error {
				return l.HandleRelativeStep(ctx, s, -1)
			}},
		{kind: models.EventTypeCallbackQuery, action: render.CallbackCourseMenu, pattern: exactPattern(render.CallbackCourseMenu), handle: d.courseMenu},
		{kind: models.EventTypeCallbackQuery, action: render.CallbackShowProgress, pattern: exactPattern(render.CallbackShowProgress), handle: d.progress},
		{kind: models.EventTypeCallbackQuery, action: "pay_lesson", pattern: payPattern,
			handle: func(ctx context.Context, s *learning.Session, _ *platform.Update, args []string) error {
				return l.HandlePayLesson(ctx, s, parseID(args[0]))
			}},
		{kind: models.EventTypeCallbackQuery, action: "unknown_callback", handle: ignore},

		{kind: models.EventTypeMessage, action: "text",
			handle: func(ctx context.Context, s *learning.Session, u *platform.Update, _ []string) error {
				return l.HandleTextMessage(ctx, s, u.Message.Text)
			}},
		{kind: models.EventTypeMedia, action: "media", handle: d.media},
		{kind: models.EventTypeWebAppData, action: "web_app", handle: d.webApp},
		{kind: models.EventTypePreCheckout, action: "pre_checkout", handle: d.preCheckout},
		{kind: models.EventTypePayment, action: "successful_payment", handle: d.successfulPayment},
		{kind: models.EventTypeUnknown, action: "unsupported", handle: ignore},
	}
}

// key is the string the route patterns match against.
func key(u *platform.Update) string {
	switch u.Kind() {
	case models.EventTypeCommand:
		return u.Message.Command()
	case models.EventTypeCallbackQuery:
		return u.CallbackQuery.Data
	}
	return ""
}

// resolve returns the first route for the update kind whose pattern
// matches, with the pattern's capture groups.
func (d *Dispatcher) resolve(u *platform.Update) (route, []string) {
	kind := u.Kind()
	k := key(u)
	for _, rt := range d.routes {
		if rt.kind != kind {
			continue
		}
		if rt.pattern == nil {
			return rt, nil
		}
		if m := rt.pattern.FindStringSubmatch(k); m != nil {
			return rt, m[1:]
		}
	}
	return route{kind: kind, action: "unsupported", handle: ignore}, nil
}

// Action reports which action a raw update would be dispatched to.
func (d *Dispatcher) Action(u *platform.Update) string {
	rt, _ := d.resolve(u)
	return rt.action
}

func ignore(context.Context, *learning.Session, *platform.Update, []string) error {
	return nil
}

func parseID(s string) uint {
	id, _ := strconv.ParseUint(s, 10, 64)
	return uint(id)
}

func parseIndex(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return i
}

func (d *Dispatcher) courseMenu(ctx context.Context, s *learning.Session, _ *platform.Update, _ []string) error {
	return d.router.learning.HandleCourseMenu(ctx, s)
}

func (d *Dispatcher) progress(ctx context.Context, s *learning.Session, _ *platform.Update, _ []string) error {
	return d.router.learning.HandleProgress(ctx, s)
}

func (d *Dispatcher) media(ctx context.Context, s *learning.Session, u *platform.Update, _ []string) error {
	m := u.Message
	if len(m.Photo) > 0 {
		largest := m.Photo[len(m.Photo)-1]
		return d.router.learning.HandlePhotoMessage(ctx, s, largest.FileID, m.Caption)
	}
	return d.router.learning.HandleDocumentMessage(ctx, s, m.Document.FileID, m.Document.FileName, m.Caption)
}

func (d *Dispatcher) webApp(ctx context.Context, s *learning.Session, u *platform.Update, _ []string) error {
	var p webAppPayload
	if err := json.Unmarshal([]byte(u.WebAppData.Data), &p); err != nil {
		log.Warnf("[Router] bot %d: malformed web app payload: %v", d.config.ID, err)
		return d.router.learning.HandleUnknownCommand(ctx, s)
	}
	switch p.Action {
	case "open_step":
		return d.router.learning.HandleStepNavigation(ctx, s, p.StepID)
	case "progress":
		return d.router.learning.HandleProgress(ctx, s)
	case "course_menu":
		return d.router.learning.HandleCourseMenu(ctx, s)
	}
	return d.router.learning.HandleUnknownCommand(ctx, s)
}

func (d *Dispatcher) preCheckout(ctx context.Context, s *learning.Session, u *platform.Update, _ []string) error {
	q := u.PreCheckoutQuery
	return d.router.payments.HandlePreCheckout(ctx, d.config.ID, s.Bot, billing.PreCheckout{
		QueryID:        q.ID,
		InvoicePayload: q.InvoicePayload,
		Currency:       q.Currency,
		TotalAmount:    int64(q.TotalAmount),
	})
}

// successfulPayment reconciles the provider confirmation. Correlation and
// amount problems are told to the user and not retried.
func (d *Dispatcher) successfulPayment(ctx context.Context, s *learning.Session, u *platform.Update, _ []string) error {
	sp := u.Message.SuccessfulPayment
	raw, err := json.Marshal(sp)
	if err != nil {
		log.Warnf("[Router] bot %d: payment %q stored without provider payload: %v", d.config.ID, sp.InvoicePayload, err)
	}
	_, err = d.router.payments.HandleSuccessfulPayment(ctx, d.config.ID, billing.SuccessfulPayment{
		InvoicePayload:   sp.InvoicePayload,
		Currency:         sp.Currency,
		TotalAmount:      int64(sp.TotalAmount),
		ProviderChargeID: sp.ProviderPaymentChargeID,
		Raw:              raw,
	})
	switch {
	case errors.Is(err, billing.ErrPaymentNotFound):
		log.Errorf("[Router] bot %d: payment %q from user %d has no matching order", d.config.ID, sp.InvoicePayload, s.User.ExternalUserID)
		return s.Send(ctx, render.PaymentFailed("we could not match this payment to an order, please contact support", 0))
	case errors.Is(err, billing.ErrInvalidTransition):
		log.Errorf("[Router] bot %d: payment %q from user %d arrived for a closed order", d.config.ID, sp.InvoicePayload, s.User.ExternalUserID)
		return s.Send(ctx, render.PaymentFailed("this order was already closed, please contact support", 0))
	case errors.Is(err, billing.ErrAmountMismatch):
		// the user was told by the billing service
		log.Errorf("[Router] bot %d: payment %q from user %d not applied: %v", d.config.ID, sp.InvoicePayload, s.User.ExternalUserID, err)
		return nil
	}
	return err
}
