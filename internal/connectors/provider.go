package connectors

// SystemPrompt — фиксированная инструкция классификатору. Ответ строго JSON: {"STATUS": bool, "AUTHOR": string}.
// STATUS=true означает, что текст ДОПУСТИМ.
const SystemPrompt = `You are a content moderation classifier.
Decide whether the submitted text is acceptable or toxic (harassment, hate, threats, sexual content involving minors, self-harm encouragement, spam).
Respond ONLY with a JSON object of the form {"STATUS": <boolean>, "AUTHOR": "<author reference>"}.
STATUS must be true when the text is acceptable and false when it is toxic.
AUTHOR must echo the author reference given in the request.`

// ClassifyRequest — всё, что провайдер получает на вход.
type ClassifyRequest struct {
	APIKey       string
	SystemPrompt string
	UserText     string
	AuthorRef    string
	Model        string
	Temperature  float64
	MaxTokens    int
}

// ClassifyResult — разобранный ответ провайдера.
type ClassifyResult struct {
	Status bool   // true — текст допустим
	Author string // эхо AUTHOR
}
