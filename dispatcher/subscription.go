package dispatcher

type Subscription interface {
	Unsubscribe()
}

type subs struct {
	dispatcher *Dispatcher
	eventName  string
	reg        *registration
}

func (s *subs) Unsubscribe() {
	d := s.dispatcher
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[s.eventName]
	newList := make([]*registration, 0, len(regs))

	for _, r := range regs {
		if r != s.reg {
			newList = append(newList, r)
		}
	}

	d.handlers[s.eventName] = newList
}
