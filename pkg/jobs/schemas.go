package jobs

// Job event names and the JSON Schemas their payloads must satisfy. A
// payload is validated at enqueue time; a job in the queue is by
// construction well-formed.

const (
	EventVoiceTranscribe    = "voice.transcribe"
	EventInterviewScore     = "interview.score"
	EventIntegrationVerify  = "integration.verify"
	EventCredentialsVerify  = "credentials.verify"
	EventInvitationGenerate = "invitation.generate"
)

var eventSchemas = map[string]string{
	EventVoiceTranscribe: `{
		"type": "object",
		"required": ["messageId", "fileId"],
		"additionalProperties": false,
		"properties": {
			"messageId": {"type": "string", "minLength": 1},
			"fileId": {"type": "string", "minLength": 1}
		}
	}`,
	EventInterviewScore: `{
		"type": "object",
		"required": ["conversationId"],
		"additionalProperties": false,
		"properties": {
			"conversationId": {"type": "string", "minLength": 1},
			"trigger": {"type": "string"}
		}
	}`,
	EventIntegrationVerify: `{
		"type": "object",
		"required": ["integrationId", "workspaceId"],
		"additionalProperties": false,
		"properties": {
			"integrationId": {"type": "string", "minLength": 1},
			"workspaceId": {"type": "string", "minLength": 1}
		}
	}`,
	EventCredentialsVerify: `{
		"type": "object",
		"required": ["email", "password", "workspaceId"],
		"additionalProperties": false,
		"properties": {
			"email": {"type": "string", "format": "email", "minLength": 3},
			"password": {"type": "string", "minLength": 1},
			"workspaceId": {"type": "string", "minLength": 1}
		}
	}`,
	EventInvitationGenerate: `{
		"type": "object",
		"required": ["responseId"],
		"additionalProperties": false,
		"properties": {
			"responseId": {"type": "string", "minLength": 1}
		}
	}`,
}

// VoiceTranscribePayload asks for a stored voice message to be transcribed.
type VoiceTranscribePayload struct {
	MessageID string `json:"messageId"`
	FileID    string `json:"fileId"`
}

// InterviewScorePayload asks for a scoring pass over a conversation. The
// trigger becomes the pass label on the persisted result.
type InterviewScorePayload struct {
	ConversationID string `json:"conversationId"`
	Trigger        string `json:"trigger,omitempty"`
}

// IntegrationVerifyPayload asks for a workspace integration health check.
type IntegrationVerifyPayload struct {
	IntegrationID string `json:"integrationId"`
	WorkspaceID   string `json:"workspaceId"`
}

// CredentialsVerifyPayload asks for a channel credential check.
type CredentialsVerifyPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	WorkspaceID string `json:"workspaceId"`
}

// InvitationGeneratePayload asks for an interview invitation for a response.
type InvitationGeneratePayload struct {
	ResponseID string `json:"responseId"`
}
