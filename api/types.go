package api

// LinkResult is the JSON reply for link generation and access lookups.
type LinkResult struct {
	LinkID    string `json:"link_id,omitempty"`
	Email     string `json:"email,omitempty"`
	AccessURL string `json:"access_url,omitempty"`
	Created   bool   `json:"created,omitempty"`
	Error     *Error `json:"error,omitempty"`
}

// SessionResult is the JSON reply for login and access operations that
// resolve an upstream session.
type SessionResult struct {
	Email        string `json:"email,omitempty"`
	LinkID       string `json:"link_id,omitempty"`
	HasSession   bool   `json:"has_session"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	Error        *Error `json:"error,omitempty"`
}

// UserStatus is the JSON reply for a user existence probe.
type UserStatus struct {
	Email      string `json:"email"`
	Exists     bool   `json:"exists"`
	HasSession bool   `json:"has_session"`
	LinkID     string `json:"link_id,omitempty"`
	Error      *Error `json:"error,omitempty"`
}

// ConfigCheck is the JSON reply for the configuration self-check.
type ConfigCheck struct {
	LMSOrigin      string `json:"lms_origin"`
	LearningOrigin string `json:"learning_origin,omitempty"`
	AuthnOrigin    string `json:"authn_origin,omitempty"`
	ProxyBase      string `json:"proxy_base"`
	CourseID       string `json:"course_id,omitempty"`
	Storage        string `json:"storage"`
	WebhookURL     string `json:"webhook_url,omitempty"`
	AMQPConfigured bool   `json:"amqp_configured"`
}

// FlowCheck is the JSON reply for the end-to-end flow diagnostic: what
// the proxy knows about an email and which entry point to use next.
type FlowCheck struct {
	Email       string            `json:"email"`
	Username    string            `json:"username"`
	Exists      bool              `json:"exists"`
	HasSession  bool              `json:"has_session"`
	LinkID      string            `json:"link_id,omitempty"`
	Recommended string            `json:"recommended_flow"`
	FlowOptions map[string]string `json:"flow_options"`
	Error       *Error            `json:"error,omitempty"`
}

// Reachability is the JSON reply for the upstream connectivity probe.
type Reachability struct {
	LMSOrigin  string `json:"lms_origin"`
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      *Error `json:"error,omitempty"`
}
