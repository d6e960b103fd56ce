// Package render turns course state into message text and inline keyboards.
// Everything here is pure: no I/O, no clocks, no randomness of its own.
package render

import (
	"fmt"
	"strings"

	"github.com/ManuelReschke/CourseFox/internal/pkg/courseapi"
)

const (
	CallbackNextStep     = "next_step"
	CallbackPrevStep     = "prev_step"
	CallbackCourseMenu   = "course_menu"
	CallbackShowProgress = "show_progress"
)

// Button is one inline keyboard button. Exactly one of CallbackData, URL or
// Pay is meaningful.
type Button struct {
	Text         string
	CallbackData string
	URL          string
	Pay          bool
}

// Message is a platform independent outgoing message.
type Message struct {
	Text     string
	VideoURL string
	Keyboard [][]Button
}

func StepCallback(stepID uint) string {
	return fmt.Sprintf("step_%d", stepID)
}

func QuizCallback(stepID uint, questionIndex, answerIndex int) string {
	return fmt.Sprintf("quiz_%d_%d_%d", stepID, questionIndex, answerIndex)
}

func PayLessonCallback(stepID uint) string {
	return fmt.Sprintf("pay_lesson_%d", stepID)
}

// FormatAmount renders minor currency units, e.g. 1250 USD -> "12.50 USD".
func FormatAmount(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, strings.ToUpper(currency))
}

func navRow(prev, next uint) []Button {
	var row []Button
	if prev != 0 {
		row = append(row, Button{Text: "⬅️ Back", CallbackData: CallbackPrevStep})
	}
	if next != 0 {
		row = append(row, Button{Text: "Next ➡️", CallbackData: CallbackNextStep})
	}
	return row
}

func menuRow() []Button {
	return []Button{
		{Text: "📚 Course menu", CallbackData: CallbackCourseMenu},
		{Text: "📊 Progress", CallbackData: CallbackShowProgress},
	}
}

func stepIcon(stepType string) string {
	switch stepType {
	case courseapi.StepTypeVideo:
		return "🎬"
	case courseapi.StepTypeQuiz:
		return "❓"
	case courseapi.StepTypeAssignment:
		return "📝"
	default:
		return "📖"
	}
}

// Welcome greets the user and points at the entry step.
func Welcome(course *courseapi.Course, name, customGreeting string, entryStepID uint, resumed bool) Message {
	var b strings.Builder
	if customGreeting != "" {
		b.WriteString(strings.ReplaceAll(customGreeting, "{name}", name))
	} else {
		fmt.Fprintf(&b, "👋 Hi %s! Welcome to \"%s\".", name, course.Title)
		if course.Description != "" {
			b.WriteString("\n\n")
			b.WriteString(course.Description)
		}
	}

	msg := Message{Text: b.String()}
	if entryStepID == 0 {
		msg.Text += "\n\nThis course has no lessons yet. Please check back later."
		return msg
	}
	label := "🚀 Start learning"
	if resumed {
		label = "▶️ Continue where you left off"
	}
	msg.Keyboard = [][]Button{
		{{Text: label, CallbackData: StepCallback(entryStepID)}},
		menuRow(),
	}
	return msg
}

// Step renders an accessible step. Video steps yield the media message first.
// Quiz steps render their first question.
func Step(step *courseapi.Step, prev, next uint) []Message {
	switch step.Type {
	case courseapi.StepTypeQuiz:
		return []Message{QuizQuestion(step, 0)}
	case courseapi.StepTypeAssignment:
		return []Message{Assignment(step)}
	case courseapi.StepTypeVideo:
		var out []Message
		if step.VideoURL != "" {
			out = append(out, Message{Text: "🎬 " + step.Title, VideoURL: step.VideoURL})
		}
		return append(out, textStep(step, prev, next))
	default:
		return []Message{textStep(step, prev, next)}
	}
}

func textStep(step *courseapi.Step, prev, next uint) Message {
	text := fmt.Sprintf("%s %s", stepIcon(step.Type), step.Title)
	if step.Content != "" {
		text += "\n\n" + step.Content
	}
	kb := [][]Button{}
	if row := navRow(prev, next); len(row) > 0 {
		kb = append(kb, row)
	}
	kb = append(kb, menuRow())
	return Message{Text: text, Keyboard: kb}
}

// Assignment shows the instructions and waits for a submission.
func Assignment(step *courseapi.Step) Message {
	text := "📝 " + step.Title
	if step.Instructions != "" {
		text += "\n\n" + step.Instructions
	} else if step.Content != "" {
		text += "\n\n" + step.Content
	}
	text += "\n\nSend your answer as a text message, a photo or a document."
	return Message{Text: text, Keyboard: [][]Button{menuRow()}}
}

// QuizQuestion renders question index of a quiz step with one button per option.
func QuizQuestion(step *courseapi.Step, index int) Message {
	q := step.Question(index)
	if q == nil {
		return Message{Text: "This quiz has no questions.", Keyboard: [][]Button{menuRow()}}
	}
	text := fmt.Sprintf("❓ %s\nQuestion %d of %d\n\n%s", step.Title, index+1, len(step.Questions), q.Text)
	kb := make([][]Button, 0, len(q.Options))
	for i, opt := range q.Options {
		kb = append(kb, []Button{{Text: opt, CallbackData: QuizCallback(step.ID, index, i)}})
	}
	return Message{Text: text, Keyboard: kb}
}

// QuizFeedback tells the user whether the answer was right.
func QuizFeedback(q *courseapi.Question, correct bool) Message {
	var text string
	if correct {
		text = "✅ Correct!"
	} else {
		text = "❌ Not quite."
		if q.CorrectIndex >= 0 && q.CorrectIndex < len(q.Options) {
			text += fmt.Sprintf(" The right answer is: %s", q.Options[q.CorrectIndex])
		}
	}
	if q.Explanation != "" {
		text += "\n\n💡 " + q.Explanation
	}
	return Message{Text: text}
}

// QuizResult closes a quiz step.
func QuizResult(step *courseapi.Step, correct int, next uint) Message {
	text := fmt.Sprintf("🏁 Quiz \"%s\" finished: %d of %d correct.", step.Title, correct, len(step.Questions))
	kb := [][]Button{}
	if next != 0 {
		kb = append(kb, []Button{{Text: "Next lesson ➡️", CallbackData: StepCallback(next)}})
	}
	kb = append(kb, menuRow())
	return Message{Text: text, Keyboard: kb}
}

// Paywall offers the purchase of a gated step instead of its content.
func Paywall(step *courseapi.Step, amount int64, currency string) Message {
	text := fmt.Sprintf("🔒 \"%s\" is a premium lesson.\n\nUnlock it for %s to continue.", step.Title, FormatAmount(amount, currency))
	return Message{Text: text, Keyboard: [][]Button{
		{{Text: "💳 Unlock for " + FormatAmount(amount, currency), CallbackData: PayLessonCallback(step.ID)}},
		{{Text: "📚 Course menu", CallbackData: CallbackCourseMenu}},
	}}
}

// PrerequisitesRequired explains why a free step is still closed.
func PrerequisitesRequired(step *courseapi.Step) Message {
	return Message{
		Text:     fmt.Sprintf("⏳ \"%s\" opens once you finish the previous lessons.", step.Title),
		Keyboard: [][]Button{menuRow()},
	}
}

// CourseMenu lists every step with a lock or check marker.
func CourseMenu(course *courseapi.Course, progress *courseapi.Progress, locked func(courseapi.StepSummary) bool) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "📚 %s\n", course.Title)
	steps := course.Ordered()
	kb := make([][]Button, 0, len(steps)+1)
	for i, s := range steps {
		marker := "▫️"
		switch {
		case progress != nil && progress.IsCompleted(s.ID):
			marker = "✅"
		case locked != nil && locked(s):
			marker = "🔒"
		}
		line := fmt.Sprintf("%s %d. %s %s", marker, i+1, stepIcon(s.Type), s.Title)
		fmt.Fprintf(&b, "\n%s", line)
		kb = append(kb, []Button{{Text: line, CallbackData: StepCallback(s.ID)}})
	}
	if len(steps) == 0 {
		b.WriteString("\nNo lessons yet.")
	}
	kb = append(kb, []Button{{Text: "📊 Progress", CallbackData: CallbackShowProgress}})
	return Message{Text: b.String(), Keyboard: kb}
}

// ProgressReport summarizes completion.
func ProgressReport(course *courseapi.Course, progress *courseapi.Progress) Message {
	done := len(progress.CompletedStepIDs)
	total := progress.TotalSteps
	if total == 0 {
		total = len(course.Steps)
	}
	p := *progress
	p.TotalSteps = total
	percent := p.Percent()
	filled := percent / 10
	bar := strings.Repeat("🟩", filled) + strings.Repeat("⬜", 10-filled)
	text := fmt.Sprintf("📊 Your progress in \"%s\"\n\n%s %d%%\n%d of %d lessons completed.", course.Title, bar, percent, done, total)
	if total > 0 && done >= total {
		text += "\n\n🎉 You finished the course. Congratulations!"
	}
	return Message{Text: text, Keyboard: [][]Button{{{Text: "📚 Course menu", CallbackData: CallbackCourseMenu}}}}
}

// Help lists the available commands.
func Help(supportContact string) Message {
	text := "ℹ️ Commands\n\n" +
		"/start - begin or resume the course\n" +
		"/courses - list all lessons\n" +
		"/progress - show your progress\n" +
		"/help - show this message"
	if supportContact != "" {
		text += "\n\nNeed help? Contact " + supportContact
	}
	return Message{Text: text, Keyboard: [][]Button{menuRow()}}
}

func AssignmentReceived(step *courseapi.Step) Message {
	return Message{
		Text:     fmt.Sprintf("📬 Thanks! Your submission for \"%s\" was received and will be reviewed.", step.Title),
		Keyboard: [][]Button{menuRow()},
	}
}

// NoActiveAssignment is the neutral reply to free input outside an assignment.
func NoActiveAssignment() Message {
	return Message{
		Text:     "🤖 I can only accept answers while an assignment is open. Use the menu to pick a lesson.",
		Keyboard: [][]Button{menuRow()},
	}
}

func UnknownCommand() Message {
	return Message{Text: "🤔 I don't know that command. Try /help."}
}

func StepNotFound() Message {
	return Message{Text: "🔍 That lesson is not available anymore.", Keyboard: [][]Button{menuRow()}}
}

// PaymentSucceeded confirms the unlock and links back to the lesson.
func PaymentSucceeded(description string, amount int64, currency string, lessonID uint) Message {
	text := fmt.Sprintf("🎉 Payment of %s received. \"%s\" is now unlocked!", FormatAmount(amount, currency), description)
	msg := Message{Text: text}
	if lessonID != 0 {
		msg.Keyboard = [][]Button{{{Text: "▶️ Open lesson", CallbackData: StepCallback(lessonID)}}}
	} else {
		msg.Keyboard = [][]Button{menuRow()}
	}
	return msg
}

// PaymentFailed reports a failed purchase with a retry affordance.
func PaymentFailed(reason string, lessonID uint) Message {
	text := "⚠️ Your payment could not be completed."
	if reason != "" {
		text += "\nReason: " + reason
	}
	msg := Message{Text: text}
	if lessonID != 0 {
		msg.Keyboard = [][]Button{{{Text: "🔁 Try again", CallbackData: PayLessonCallback(lessonID)}}}
	}
	return msg
}

func PaymentUnavailable() Message {
	return Message{Text: "💳 Payments are not available for this course right now. Please try again later."}
}

func AlreadyUnlocked(lessonID uint) Message {
	return Message{
		Text:     "✅ You already have access to this lesson.",
		Keyboard: [][]Button{{{Text: "▶️ Open lesson", CallbackData: StepCallback(lessonID)}}},
	}
}

var apologies = []string{
	"😕 Oops, something went wrong on our side. Please try again in a moment.",
	"🙈 Sorry, I stumbled there. Could you try that again?",
	"🛠 Something didn't work as expected. Please try again shortly.",
	"😅 My apologies, I couldn't handle that just now. Please retry.",
	"🤖 A small hiccup on my end. Give it another try in a moment.",
}

// Apology picks a friendly error text. pick is any integer (usually random).
func Apology(pick int) Message {
	idx := pick % len(apologies)
	if idx < 0 {
		idx += len(apologies)
	}
	return Message{Text: apologies[idx], Keyboard: [][]Button{menuRow()}}
}

// ApologyCount returns the size of the apology set.
func ApologyCount() int {
	return len(apologies)
}
