package documentcapture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/services/idv/capture"
	"github.com/louisbranch/idproof/internal/services/idv/formsteps"
)

// State is the flow's position.
type State int

const (
	// StateCollecting shows form steps, or the review step after a failure.
	StateCollecting State = iota
	// StateAwaitingResult polls for an accepted async submission.
	StateAwaitingResult
	// StateComplete means the submission succeeded.
	StateComplete
	// StateThrottled is terminal for this attempt.
	StateThrottled
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateAwaitingResult:
		return "awaiting_result"
	case StateComplete:
		return "complete"
	case StateThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// SubmitResult is a successful submission response.
type SubmitResult struct {
	RemainingAttempts int
}

// PollStatus is the async result of an accepted submission.
type PollStatus struct {
	Status string
	Errors map[string][]string
}

// Poll status values.
const (
	PollPending = "pending"
	PollSuccess = "success"
	PollFailure = "failure"
)

// Submitter sends a finished form to the verification endpoint. It returns
// an *UploadFormEntriesError for field rejections and ErrThrottled when the
// user is out of attempts.
type Submitter interface {
	Submit(ctx context.Context, payload Payload) (SubmitResult, error)
}

// Poller reads the async result of an accepted submission.
type Poller interface {
	Poll(ctx context.Context) (PollStatus, error)
}

// Options configures a Flow.
type Options struct {
	Capabilities Capabilities
	Locale       string
	Submitter    Submitter
	// Poller is required when AsyncPolling is set.
	Poller       Poller
	AsyncPolling bool
	// Base holds entries merged into every payload, such as the capture
	// session UUID and the encryption key.
	Base      Payload
	Navigator formsteps.Navigator
	Rerender  func()
	// Uploads diverts image values through encrypted background uploads
	// before they reach the form. *upload.Pipeline implements it.
	Uploads ChangeWrapper
	Capture CaptureOptions
}

// Flow drives document capture from the first step to a submission result.
type Flow struct {
	opts Options

	mu            sync.Mutex
	state         State
	form          *formsteps.Form
	formValues    formsteps.Values
	submissionErr error
	remaining     *int
	captures      map[string]*capture.Field
}

// NewFlow builds a flow positioned on the first collection step.
func NewFlow(opts Options) (*Flow, error) {
	if opts.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if opts.AsyncPolling && opts.Poller == nil {
		return nil, fmt.Errorf("poller is required for async polling")
	}
	if opts.Navigator == nil {
		opts.Navigator = formsteps.NewMemoryHistory("")
	}
	f := &Flow{opts: opts}
	form, err := formsteps.New(formsteps.Options{
		Steps:     f.bindSteps(Steps(opts.Capabilities, opts.Locale)),
		Navigator: opts.Navigator,
		Rerender:  opts.Rerender,
	})
	if err != nil {
		return nil, err
	}
	f.form = form
	return f, nil
}

// State returns the flow's position.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Form returns the form currently shown.
func (f *Flow) Form() *formsteps.Form {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.form
}

// SubmissionError returns the last submission failure, if any.
func (f *Flow) SubmissionError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submissionErr
}

// ShowNetworkError reports whether the generic failure banner is shown.
// Field rejections are shown inline instead.
func (f *Flow) ShowNetworkError() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submissionErr == nil {
		return false
	}
	var entries *UploadFormEntriesError
	return !errors.As(f.submissionErr, &entries)
}

// RemainingAttempts returns the last reported attempt budget.
func (f *Flow) RemainingAttempts() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining == nil {
		return 0, false
	}
	return *f.remaining, true
}

// Change applies patch to the current form. With Uploads configured, image
// values are replaced by pending upload references first.
func (f *Flow) Change(patch formsteps.Patch) error {
	if f.opts.Uploads != nil {
		wrapped, err := f.opts.Uploads.Wrap(patch)
		if err != nil {
			return err
		}
		patch = wrapped
	}
	f.Form().Change(patch)
	return nil
}

// Submit submits the current step, waiting for background uploads to settle
// first. Completing the last step sends the payload and moves the flow to
// its next state.
func (f *Flow) Submit(ctx context.Context) (formsteps.Outcome, error) {
	f.mu.Lock()
	if f.state != StateCollecting {
		state := f.state
		f.mu.Unlock()
		return formsteps.OutcomeBlocked, fmt.Errorf("flow is %s", state)
	}
	form := f.form
	f.mu.Unlock()

	outcome, err := form.Submit(ctx)
	for err == nil && outcome == formsteps.OutcomeDeferred {
		if err = form.Settle(ctx); err != nil {
			return outcome, err
		}
		outcome, err = form.Submit(ctx)
	}
	if err != nil || outcome != formsteps.OutcomeCompleted {
		return outcome, err
	}
	completed := form.Values()

	f.mu.Lock()
	f.formValues = completed
	f.submissionErr = nil
	f.mu.Unlock()

	result, err := f.opts.Submitter.Submit(ctx, f.payload(completed))
	if err != nil {
		return outcome, f.fail(err)
	}

	f.mu.Lock()
	remaining := result.RemainingAttempts
	f.remaining = &remaining
	if f.opts.AsyncPolling {
		f.state = StateAwaitingResult
	} else {
		f.state = StateComplete
	}
	f.mu.Unlock()
	f.Close()
	return outcome, nil
}

// Poll checks an async submission. A pending result leaves the flow
// waiting; a failure routes back to review.
func (f *Flow) Poll(ctx context.Context) (State, error) {
	f.mu.Lock()
	if f.state != StateAwaitingResult {
		state := f.state
		f.mu.Unlock()
		return state, nil
	}
	f.mu.Unlock()
	if f.opts.Poller == nil {
		return StateAwaitingResult, fmt.Errorf("poller is not configured")
	}

	status, err := f.opts.Poller.Poll(ctx)
	if err == nil {
		switch strings.TrimSpace(status.Status) {
		case PollPending:
			return StateAwaitingResult, nil
		case PollSuccess:
			f.setState(StateComplete)
			return StateComplete, nil
		case PollFailure:
			err = &UploadFormEntriesError{Entries: entriesFromErrors(status.Errors)}
			if len(status.Errors) == 0 {
				err = unknownSubmissionFailure(fmt.Errorf("resolution failed"))
			}
		default:
			err = fmt.Errorf("unexpected poll status %q", status.Status)
		}
	}
	// fail must run before the state is read so review routing is reported.
	err = f.fail(err)
	return f.State(), err
}

// fail records err and, unless throttled, rebuilds the form as a single
// review step seeded with the submitted values.
func (f *Flow) fail(err error) error {
	if apperrors.HasCode(err, apperrors.CodeRateLimitExceeded) {
		f.mu.Lock()
		f.state = StateThrottled
		f.submissionErr = err
		zero := 0
		f.remaining = &zero
		f.mu.Unlock()
		f.Close()
		return nil
	}

	var entries *UploadFormEntriesError
	var initial []formsteps.FieldError
	if errors.As(err, &entries) {
		for _, entry := range entries.Entries {
			initial = append(initial, formsteps.FieldError{Field: entry.Field, Err: entry})
		}
	} else if !apperrors.HasCode(err, apperrors.CodeUnknownSubmissionFailure) {
		err = unknownSubmissionFailure(err)
	}

	f.mu.Lock()
	values := f.formValues
	f.mu.Unlock()

	form, buildErr := formsteps.New(formsteps.Options{
		Steps:         f.bindSteps(ReviewSteps(f.opts.Capabilities, f.opts.Locale)),
		Navigator:     formsteps.NewMemoryHistory(""),
		InitialValues: values,
		InitialErrors: initial,
		Rerender:      f.opts.Rerender,
	})
	if buildErr != nil {
		return buildErr
	}

	f.mu.Lock()
	f.form = form
	f.state = StateCollecting
	f.submissionErr = err
	f.mu.Unlock()
	return nil
}

func (f *Flow) payload(values formsteps.Values) Payload {
	payload := BuildPayload(values, f.opts.AsyncPolling)
	for key, value := range f.opts.Base {
		payload[key] = value
	}
	return payload
}

func (f *Flow) setState(state State) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}
