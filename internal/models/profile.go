package models

// DefaultDailyStepGoal is used until the user picks their own goal.
const DefaultDailyStepGoal = 10000

type UserProfile struct {
	Name                   string `json:"name"`
	Email                  string `json:"email"`
	Age                    int    `json:"age"`
	DailyStepGoal          int    `json:"dailyStepGoal"`
	HasCompletedOnboarding bool   `json:"hasCompletedOnboarding"`
}

// ProfilePatch carries the fields of a partial profile update; nil fields are left unchanged.
type ProfilePatch struct {
	Name                   *string `json:"name,omitempty"`
	Email                  *string `json:"email,omitempty"`
	Age                    *int    `json:"age,omitempty"`
	DailyStepGoal          *int    `json:"dailyStepGoal,omitempty"`
	HasCompletedOnboarding *bool   `json:"hasCompletedOnboarding,omitempty"`
}

// Apply merges the patch into p.
func (pp ProfilePatch) Apply(p UserProfile) UserProfile {
	if pp.Name != nil {
		p.Name = *pp.Name
	}
	if pp.Email != nil {
		p.Email = *pp.Email
	}
	if pp.Age != nil {
		p.Age = *pp.Age
	}
	if pp.DailyStepGoal != nil {
		p.DailyStepGoal = *pp.DailyStepGoal
	}
	if pp.HasCompletedOnboarding != nil {
		p.HasCompletedOnboarding = *pp.HasCompletedOnboarding
	}
	return p
}

// Chart modes understood by the UI shell.
const (
	ChartModeDaily   = "daily"
	ChartModeWeekly  = "weekly"
	ChartModeMonthly = "monthly"
)

type DateRange struct {
	Start string `json:"start"` // YYYY-MM-DD
	End   string `json:"end"`
}

// Preferences are UI settings persisted alongside sessions.
type Preferences struct {
	ChartMode     string    `json:"chartMode"`
	SelectedRange DateRange `json:"selectedRange"`
}

type PreferencesPatch struct {
	ChartMode     *string    `json:"chartMode,omitempty"`
	SelectedRange *DateRange `json:"selectedRange,omitempty"`
}

func (pp PreferencesPatch) Apply(p Preferences) Preferences {
	if pp.ChartMode != nil {
		p.ChartMode = *pp.ChartMode
	}
	if pp.SelectedRange != nil {
		p.SelectedRange = *pp.SelectedRange
	}
	return p
}
