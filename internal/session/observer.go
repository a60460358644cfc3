package session

// Answer is a complete reply from the tutor.
type Answer struct {
	// MessageID names the answer. Its audio segments are MessageID_0,
	// MessageID_1 and so on.
	MessageID string

	// Question is the user message the answer replies to.
	Question string

	Text       string
	SegmentIDs []string
}

// Observer receives conversation events for display. Every field is
// optional. Callbacks run on session goroutines and must not block.
type Observer struct {
	// OnPartial receives the transcript of the utterance in progress.
	OnPartial func(text string)

	// OnUserMessage receives each message sent to the tutor, spoken or typed.
	OnUserMessage func(text string)

	// OnSentence receives the answer sentence by sentence as it streams in.
	OnSentence func(messageID, sentence string)

	// OnAnswer receives the finished answer.
	OnAnswer func(Answer)

	// OnError receives failures the session recovered from.
	OnError func(err error)
}

func (o Observer) partial(text string) {
	if o.OnPartial != nil {
		o.OnPartial(text)
	}
}

func (o Observer) userMessage(text string) {
	if o.OnUserMessage != nil {
		o.OnUserMessage(text)
	}
}

func (o Observer) sentence(messageID, sentence string) {
	if o.OnSentence != nil {
		o.OnSentence(messageID, sentence)
	}
}

func (o Observer) answer(a Answer) {
	if o.OnAnswer != nil {
		o.OnAnswer(a)
	}
}

func (o Observer) error(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}
