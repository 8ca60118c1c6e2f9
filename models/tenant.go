package models

// Tenant is the account that owns model identities, garments and
// generation requests. Tenant CRUD and session issuance live in the
// surrounding application; we only read these rows.
type Tenant struct {
	JsonModel
	Name         string  `json:"name"`
	Email        string  `json:"email" gorm:"unique"`
	Active       bool    `gorm:"default:true" json:"active"`
	Subscription string  `json:"subscription"` // free, pro
	Banned       bool    `gorm:"default:false" json:"-"`
	Stores       []Store `json:"stores"`
	// superadmin override, nil means plan default
	EnforcedDailyGenerationLimit *int32 `json:"enforced_daily_generation_limit"`
	// push alerts when calibrations / generations finish
	ReceiveNotifications bool `json:"receive_notifications"`
}

type Store struct {
	JsonModel
	TenantID uint   `json:"-"`
	Tenant   Tenant `json:"-"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
	Language string `json:"language"`
}

type TenantPushToken struct {
	JsonModel
	TenantID uint   `json:"-"`
	Tenant   Tenant `json:"tenant"`
	Platform string `json:"platform"` // ios, android, web
	Token    string `json:"token"`
	Active   bool   `gorm:"default:false" json:"-"`
}
