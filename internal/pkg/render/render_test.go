package render

import (
	"strings"
	"testing"

	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackBuilders(t *testing.T) {
	assert.Equal(t, "step_12", StepCallback(12))
	assert.Equal(t, "quiz_3_1_2", QuizCallback(3, 1, 2))
	assert.Equal(t, "pay_lesson_9", PayLessonCallback(9))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "12.50 USD", FormatAmount(1250, "usd"))
	assert.Equal(t, "0.05 EUR", FormatAmount(5, "EUR"))
	assert.Equal(t, "-1.00 USD", FormatAmount(-100, "USD"))
}

func TestWelcomeReferencesEntryStep(t *testing.T) {
	course := &courseapi.Course{ID: 1, Title: "Go Basics"}
	msg := Welcome(course, "Ann", "", 1, false)

	assert.Contains(t, msg.Text, "Ann")
	assert.Contains(t, msg.Text, "Go Basics")
	require.NotEmpty(t, msg.Keyboard)
	assert.Equal(t, "step_1", msg.Keyboard[0][0].CallbackData)

	custom := Welcome(course, "Ann", "Hello {name}!", 4, true)
	assert.Equal(t, "Hello Ann!", custom.Text)
	assert.Equal(t, "step_4", custom.Keyboard[0][0].CallbackData)

	empty := Welcome(course, "Ann", "", 0, false)
	assert.Empty(t, empty.Keyboard)
}

func TestStepRendersByType(t *testing.T) {
	text := &courseapi.Step{ID: 1, Title: "Intro", Type: courseapi.StepTypeText, Content: "Hello"}
	msgs := Step(text, 0, 2)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Hello")
	assert.Equal(t, CallbackNextStep, msgs[0].Keyboard[0][0].CallbackData)

	video := &courseapi.Step{ID: 2, Title: "Watch", Type: courseapi.StepTypeVideo, VideoURL: "https://v.example/1.mp4"}
	msgs = Step(video, 1, 0)
	require.Len(t, msgs, 2)
	assert.Equal(t, "https://v.example/1.mp4", msgs[0].VideoURL)
	assert.Equal(t, CallbackPrevStep, msgs[1].Keyboard[0][0].CallbackData)

	quiz := &courseapi.Step{ID: 3, Title: "Check", Type: courseapi.StepTypeQuiz, Questions: []courseapi.Question{
		{Text: "2+2?", Options: []string{"3", "4"}, CorrectIndex: 1},
	}}
	msgs = Step(quiz, 0, 0)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Question 1 of 1")
	require.Len(t, msgs[0].Keyboard, 2)
	assert.Equal(t, "quiz_3_0_1", msgs[0].Keyboard[1][0].CallbackData)

	assignment := &courseapi.Step{ID: 4, Title: "Homework", Type: courseapi.StepTypeAssignment, Instructions: "Write a poem"}
	msgs = Step(assignment, 0, 0)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Write a poem")
}

func TestQuizFeedback(t *testing.T) {
	q := &courseapi.Question{Options: []string{"a", "b", "c"}, CorrectIndex: 2, Explanation: "because"}
	assert.True(t, strings.HasPrefix(QuizFeedback(q, true).Text, "✅"))
	wrong := QuizFeedback(q, false).Text
	assert.Contains(t, wrong, "c")
	assert.Contains(t, wrong, "because")
}

func TestPaywallOffersPayment(t *testing.T) {
	step := &courseapi.Step{ID: 7, Title: "Advanced"}
	msg := Paywall(step, 499, "EUR")
	assert.Contains(t, msg.Text, "4.99 EUR")
	assert.Equal(t, "pay_lesson_7", msg.Keyboard[0][0].CallbackData)
}

func TestCourseMenuMarkers(t *testing.T) {
	course := &courseapi.Course{Title: "C", Steps: []courseapi.StepSummary{
		{ID: 1, Title: "One", Position: 1},
		{ID: 2, Title: "Two", Position: 2, IsPaid: true},
		{ID: 3, Title: "Three", Position: 3},
	}}
	progress := &courseapi.Progress{CompletedStepIDs: []uint{1}, TotalSteps: 3}
	msg := CourseMenu(course, progress, func(s courseapi.StepSummary) bool { return s.IsPaid })

	lines := strings.Split(msg.Text, "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[2], "✅"))
	assert.True(t, strings.HasPrefix(lines[3], "🔒"))
	assert.True(t, strings.HasPrefix(lines[4], "▫️"))
	assert.Equal(t, "step_2", msg.Keyboard[1][0].CallbackData)
}

func TestProgressReport(t *testing.T) {
	course := &courseapi.Course{Title: "C", Steps: make([]courseapi.StepSummary, 4)}
	msg := ProgressReport(course, &courseapi.Progress{CompletedStepIDs: []uint{1, 2}})
	assert.Contains(t, msg.Text, "50%")
	assert.Contains(t, msg.Text, "2 of 4")

	done := ProgressReport(course, &courseapi.Progress{CompletedStepIDs: []uint{1, 2, 3, 4}, TotalSteps: 4})
	assert.Contains(t, done.Text, "Congratulations")
}

func TestApologyIsFromFixedSet(t *testing.T) {
	seen := map[string]bool{}
	for i := -7; i < 20; i++ {
		msg := Apology(i)
		assert.NotEmpty(t, msg.Text)
		assert.NotContains(t, strings.ToLower(msg.Text), "error:")
		seen[msg.Text] = true
	}
	assert.Len(t, seen, ApologyCount())
}

func TestPaymentMessages(t *testing.T) {
	ok := PaymentSucceeded("Lesson 5", 1000, "USD", 5)
	assert.Contains(t, ok.Text, "10.00 USD")
	assert.Equal(t, "step_5", ok.Keyboard[0][0].CallbackData)

	failed := PaymentFailed("card declined", 5)
	assert.Contains(t, failed.Text, "card declined")
	assert.Equal(t, "pay_lesson_5", failed.Keyboard[0][0].CallbackData)
}
