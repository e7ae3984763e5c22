package pipeline

// Observer receives step lifecycle events as the executor makes progress.
// Calls may arrive from several goroutines when steps run concurrently.
type Observer interface {
	// StepStarted announces a step entering RUNNING
	StepStarted(step StepResult)

	// StepFinished announces a step reaching COMPLETED, FAILED or SKIPPED
	StepFinished(step StepResult)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are ignored
type ObserverFuncs struct {
	OnStart  func(StepResult)
	OnFinish func(StepResult)
}

func (o ObserverFuncs) StepStarted(step StepResult) {
	if o.OnStart != nil {
		o.OnStart(step)
	}
}

func (o ObserverFuncs) StepFinished(step StepResult) {
	if o.OnFinish != nil {
		o.OnFinish(step)
	}
}

type nopObserver struct{}

func (nopObserver) StepStarted(StepResult)  {}
func (nopObserver) StepFinished(StepResult) {}
