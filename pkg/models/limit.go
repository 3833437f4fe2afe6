package models

// LimitPolicy caps the request rate of a user on a route. UserID "*" matches
// every user; an empty Route matches every route.
type LimitPolicy struct {
	UserID            string  `json:"user_id" yaml:"user_id"`
	Route             string  `json:"route,omitempty" yaml:"route,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// LimitStatus reports the remaining burst capacity of a user under a policy.
type LimitStatus struct {
	Policy LimitPolicy `json:"policy"`
	Tokens float64     `json:"tokens"`
}
