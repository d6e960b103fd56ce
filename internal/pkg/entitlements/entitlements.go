package entitlements

import (
	"context"
	"fmt"
	"strings"

	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
)

type Verdict string

const (
	Allowed               Verdict = "allowed"
	PaymentRequired       Verdict = "payment_required"
	PrerequisitesRequired Verdict = "prerequisites_required"
)

// Decision is the combined access verdict for one step. Price and Currency
// are set for PaymentRequired.
type Decision struct {
	Verdict  Verdict
	Price    int64
	Currency string
	Reason   string
}

// Checker combines the course service's access rules with locally stored
// payment grants.
type Checker struct {
	courses courseapi.CourseService
	access  repository.AccessRepository
}

func NewChecker(courses courseapi.CourseService, access repository.AccessRepository) *Checker {
	return &Checker{courses: courses, access: access}
}

// HasPaidAccess reports a course-wide or lesson grant for the step.
func (c *Checker) HasPaidAccess(ctx context.Context, userID, courseID, stepID uint) (bool, error) {
	ok, err := c.access.HasCourseAccess(ctx, userID, courseID)
	if err != nil || ok {
		return ok, err
	}
	return c.access.HasLessonAccess(ctx, userID, stepID)
}

// StepAccess evaluates whether the learner may open step.
func (c *Checker) StepAccess(ctx context.Context, course *courseapi.Course, step *courseapi.Step, learner courseapi.Learner, defaultCurrency string) (Decision, error) {
	rule, err := c.courses.CheckStepAccess(ctx, course.ID, step.ID, learner)
	if err != nil {
		return Decision{}, fmt.Errorf("check step access: %w", err)
	}
	if rule.Allowed {
		return Decision{Verdict: Allowed}, nil
	}

	if rule.RequiresPayment || step.IsPaid {
		paid, err := c.HasPaidAccess(ctx, learner.UserID, course.ID, step.ID)
		if err != nil {
			return Decision{}, fmt.Errorf("check local grants: %w", err)
		}
		if paid {
			return Decision{Verdict: Allowed}, nil
		}
		price, currency := PriceOf(course, step, defaultCurrency)
		return Decision{Verdict: PaymentRequired, Price: price, Currency: currency, Reason: rule.Reason}, nil
	}
	return Decision{Verdict: PrerequisitesRequired, Reason: rule.Reason}, nil
}

// PriceOf picks the step price, falling back to the course price. Currency
// falls back to the course and then to def.
func PriceOf(course *courseapi.Course, step *courseapi.Step, def string) (int64, string) {
	price := step.Price
	if price <= 0 {
		price = course.Price
	}
	currency := step.Currency
	if currency == "" {
		currency = course.Currency
	}
	if currency == "" {
		currency = def
	}
	return price, strings.ToUpper(currency)
}

// MenuLocks returns a predicate marking paid steps without a local grant.
// Lookup errors mark the step locked.
func (c *Checker) MenuLocks(ctx context.Context, userID, courseID uint) func(courseapi.StepSummary) bool {
	whole, err := c.access.HasCourseAccess(ctx, userID, courseID)
	if err != nil {
		whole = false
	}
	return func(s courseapi.StepSummary) bool {
		if !s.IsPaid || whole {
			return false
		}
		ok, err := c.access.HasLessonAccess(ctx, userID, s.ID)
		return err != nil || !ok
	}
}
