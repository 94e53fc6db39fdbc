// Package schema lists the persisted models in dependency order.
package schema

import (
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/deadletter"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/lead"
)

func Models() []any {
	return []any{
		&campaign.Campaign{},
		&lead.Lead{},
		&call.CallRecord{},
		&deadletter.EventDeadLetter{},
	}
}
