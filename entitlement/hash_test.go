package entitlement

import "testing"

func TestRequestHash(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		request Request
		exp     string
	}{
		{
			name:    "canonical json in fixed field order",
			action:  ActionGrant,
			request: Request{UserID: "U1", StockKeepingUnit: "S1", Reason: "purchase", PurchaseID: "P1"},
			exp:     "0b7fc99cf807e4b2bde14c0927a96ca74713fa160b4322a34a6930febccdab80",
		},
		{
			name:    "html characters are not escaped",
			action:  ActionGrant,
			request: Request{UserID: "U<1>", StockKeepingUnit: "S&1", Reason: "purchase", PurchaseID: "P1"},
			exp:     "4975ef4ebc03b0c95fadfaf5d934c1fd52f6cf5a5dc9ce28c7cbbe0606d71c57",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequestHash(tt.action, tt.request)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if got != tt.exp {
				t.Errorf("expected %s, got %s", tt.exp, got)
			}
		})
	}
}

func TestRequestHash_DependsOnAction(t *testing.T) {
	r := Request{UserID: "U1", StockKeepingUnit: "S1", Reason: "purchase", PurchaseID: "P1"}

	grant, _ := RequestHash(ActionGrant, r)
	revoke, _ := RequestHash(ActionRevoke, r)
	if grant == revoke {
		t.Error("grant and revoke of the same request produced the same hash")
	}
}

func TestParseAction(t *testing.T) {
	for in, exp := range map[string]Action{"grant": ActionGrant, " REVOKE ": ActionRevoke} {
		got, err := ParseAction(in)
		if err != nil {
			t.Fatalf("unexpected error for %q: %s", in, err)
		}
		if got != exp {
			t.Errorf("expected %s, got %s", exp, got)
		}
	}

	if _, err := ParseAction("suspend"); err == nil {
		t.Error("expected an error but got nil")
	}
}

func TestRequest_Validate(t *testing.T) {
	valid := Request{UserID: "U1", StockKeepingUnit: "S1", Reason: "purchase", PurchaseID: "P1"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	tests := map[string]Request{
		"user_id is required":            {StockKeepingUnit: "S1", Reason: "r", PurchaseID: "p"},
		"stock_keeping_unit is required": {UserID: "U1", Reason: "r", PurchaseID: "p"},
		"reason is required":             {UserID: "U1", StockKeepingUnit: "S1", Reason: "  ", PurchaseID: "p"},
		"purchase_id is required":        {UserID: "U1", StockKeepingUnit: "S1", Reason: "r"},
	}

	for msg, r := range tests {
		err := r.Validate()
		if err == nil || err.Error() != msg {
			t.Errorf("expected %q, got %v", msg, err)
		}
	}
}
