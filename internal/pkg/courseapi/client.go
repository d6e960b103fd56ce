package courseapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
)

const defaultTimeout = 10 * time.Second

// Client talks to the course/content and progress services over HTTP. It
// implements both CourseService and ProgressService.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClientFromEnv() *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(env.GetEnv("COURSE_API_URL", "http://localhost:8081/api/v1")), "/"),
		Token:   strings.TrimSpace(env.GetEnv("COURSE_API_TOKEN", "")),
		HTTPClient: &http.Client{
			Timeout: env.GetEnvDuration("COURSE_API_TIMEOUT", defaultTimeout),
		},
	}
}

func learnerQuery(l Learner) url.Values {
	q := url.Values{}
	q.Set("bot_id", strconv.FormatUint(uint64(l.BotID), 10))
	q.Set("user_id", strconv.FormatUint(uint64(l.UserID), 10))
	q.Set("external_user_id", strconv.FormatInt(l.ExternalUserID, 10))
	return q
}

func (c *Client) GetCourse(ctx context.Context, courseID uint) (*Course, error) {
	var out Course
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/courses/%d", courseID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetStep(ctx context.Context, courseID, stepID uint) (*Step, error) {
	var out Step
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/courses/%d/steps/%d", courseID, stepID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CheckStepAccess(ctx context.Context, courseID, stepID uint, learner Learner) (*AccessDecision, error) {
	var out AccessDecision
	path := fmt.Sprintf("/courses/%d/steps/%d/access", courseID, stepID)
	if err := c.do(ctx, http.MethodGet, path, learnerQuery(learner), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetProgress(ctx context.Context, courseID uint, learner Learner) (*Progress, error) {
	var out Progress
	path := fmt.Sprintf("/courses/%d/progress", courseID)
	if err := c.do(ctx, http.MethodGet, path, learnerQuery(learner), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Enroll(ctx context.Context, courseID uint, learner Learner) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/courses/%d/enrollments", courseID), nil, learner, nil)
}

func (c *Client) RecordQuizAnswer(ctx context.Context, answer QuizAnswer) error {
	path := fmt.Sprintf("/courses/%d/steps/%d/answers", answer.CourseID, answer.StepID)
	return c.do(ctx, http.MethodPost, path, nil, answer, nil)
}

func (c *Client) CompleteStep(ctx context.Context, courseID, stepID uint, learner Learner) error {
	path := fmt.Sprintf("/courses/%d/steps/%d/complete", courseID, stepID)
	return c.do(ctx, http.MethodPost, path, nil, learner, nil)
}

func (c *Client) SubmitAssignment(ctx context.Context, submission Submission) error {
	path := fmt.Sprintf("/courses/%d/steps/%d/submissions", submission.CourseID, submission.StepID)
	return c.do(ctx, http.MethodPost, path, nil, submission, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status=%d", ErrUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("course api %s %s failed: status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("course api %s: invalid response: %w", path, err)
	}
	return nil
}

// IsNotFound reports a missing course or step
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
