package broker

// router computes the recipient set for a published message and
// dispatches to sinks or queues. It is owned by the Broker and runs
// with the broker's component locks taken in registry -> queues ->
// dead-letter order only.
type router struct {
	b *Broker
}

// route fans the message out: direct subscribers, literal "#"
// catch-all subscribers, filters, consumer-group replacement, then
// per-recipient dispatch. Duplicate subscribers receive the message
// once.
func (r *router) route(msg *Message) {
	direct := r.b.registry.SubscribersOf(msg.Topic)
	catchAll := r.b.registry.SubscribersOf(catchAllTopic)

	seen := make(map[string]struct{}, len(direct)+len(catchAll))
	candidates := make([]string, 0, len(direct)+len(catchAll))
	for _, id := range append(direct, catchAll...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		candidates = append(candidates, id)
	}

	cfg := r.b.topicConfig(msg.Topic)
	groupsHandled := make(map[string]struct{})

	for _, subID := range candidates {
		sub := r.b.subscriberSnapshot(subID)
		if sub == nil {
			continue
		}
		if !sub.filter.Matches(msg) {
			continue
		}

		// A subscriber inside a consumer group bound to this topic
		// hands delivery to the group; the group is routed once no
		// matter how many of its members matched.
		if group, ok := r.b.groups.GroupFor(subID); ok && group.Topic == msg.Topic {
			if _, done := groupsHandled[group.Name]; done {
				continue
			}
			groupsHandled[group.Name] = struct{}{}
			for _, chosen := range r.b.groups.Select(group.Name, msg) {
				r.dispatch(chosen, msg, cfg, group.Name)
			}
			continue
		}

		r.dispatch(subID, msg, cfg, "")
	}
}

// dispatch delivers to one recipient: online sinks are invoked
// synchronously, failures and offline subscribers fall back to the
// queue. Ack-required topics always queue; the entry stays until the
// subscriber acknowledges.
func (r *router) dispatch(subID string, msg *Message, cfg TopicConfig, group string) {
	sub := r.b.subscriberSnapshot(subID)
	if sub == nil {
		return
	}

	if cfg.RequireAck {
		r.b.enqueue(subID, msg, cfg)
		if sub.Online {
			r.deliver(subID, msg, group)
		}
		return
	}

	if !sub.Online {
		r.b.enqueue(subID, msg, cfg)
		return
	}
	if err := r.deliver(subID, msg, group); err != nil {
		r.b.enqueue(subID, msg, cfg)
		r.b.events.emit(Event{
			Type:       EventMessageFailed,
			Topic:      msg.Topic,
			Message:    msg,
			Subscriber: subID,
			Reason:     err.Error(),
		})
	}
}

func (r *router) deliver(subID string, msg *Message, group string) error {
	sink := r.b.sinkFor(subID)
	if sink == nil {
		return DeliveryError(msg.ID, ErrNotFound).WithTopic(msg.Topic)
	}
	if err := sink.Deliver(msg); err != nil {
		return DeliveryError(msg.ID, err).WithTopic(msg.Topic)
	}
	r.b.markDelivered(subID)
	if group != "" {
		r.b.groups.MarkProcessed(group, subID)
	}
	r.b.events.emit(Event{
		Type:       EventMessageDelivered,
		Topic:      msg.Topic,
		Message:    msg,
		Subscriber: subID,
	})
	return nil
}
