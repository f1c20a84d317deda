package async

// Interface is the objectclass under which async work services are registered.
const Interface = "async.Service"

// Service executes posted tasks at some later point, on some goroutine.
type Service interface {
	Post(t *Task)
}

// Strander is implemented by services able to hand out serial executors.
type Strander interface {
	CreateStrand() Service
}

// NewStrand returns a strand of svc, or false when svc has no strand support.
func NewStrand(svc Service) (Service, bool) {
	if s, ok := svc.(Strander); ok {
		if strand := s.CreateStrand(); strand != nil {
			return strand, true
		}
	}
	return nil, false
}

// Go posts fn to svc and returns the task.
func Go(svc Service, fn func() error) *Task {
	t := NewTask(fn)
	svc.Post(t)
	return t
}

// Inline runs each task on the posting goroutine.
type Inline struct{}

func (Inline) Post(t *Task) { t.Run() }

// ServiceFunc adapts a function to Service.
type ServiceFunc func(t *Task)

func (f ServiceFunc) Post(t *Task) { f(t) }
