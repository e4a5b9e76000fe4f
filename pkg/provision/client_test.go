package provision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testPrefix = "provision:client_test"

type recorded struct {
	path string
	auth string
	body map[string]string
}

func newTestServer(t *testing.T, reply string, status int, rec *recorded) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("%s - method = %s", testPrefix, r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s - content type = %q", testPrefix, ct)
		}
		if rec != nil {
			rec.path = r.URL.Path
			rec.auth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, base string) *Client {
	t.Helper()
	c, err := NewClient(NewClientParams{Config: Config{BaseURL: base + "/", FactoryAPIKey: "factory-key"}})
	if err != nil {
		t.Fatalf("%s - NewClient: %v", testPrefix, err)
	}
	return c
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient(NewClientParams{}); err == nil {
		t.Errorf("%s - expected error for empty base URL", testPrefix)
	}
	if _, err := NewClient(NewClientParams{Config: Config{BaseURL: "not a url"}}); err == nil {
		t.Errorf("%s - expected error for invalid base URL", testPrefix)
	}
}

func TestGenerateCryptoIdentity(t *testing.T) {
	rec := &recorded{}
	srv := newTestServer(t, `{"ok":{"data":{"user_id":"UserID_abc","icp_principal":"p-1"}}}`, http.StatusOK, rec)
	c := newTestClient(t, srv.URL)

	id, err := c.GenerateCryptoIdentity(context.Background(), "secret_admin")
	if err != nil {
		t.Fatalf("%s - GenerateCryptoIdentity: %v", testPrefix, err)
	}
	if id.UserID != "UserID_abc" || id.ICPPrincipal != "p-1" {
		t.Errorf("%s - identity = %+v", testPrefix, id)
	}
	if rec.path != "/v1/factory/helpers/generate-crypto-identity" {
		t.Errorf("%s - path = %s", testPrefix, rec.path)
	}
	if rec.auth != "Bearer factory-key" {
		t.Errorf("%s - auth = %q", testPrefix, rec.auth)
	}
	if rec.body["secret_entropy"] != "secret_admin" {
		t.Errorf("%s - body = %v", testPrefix, rec.body)
	}

	if _, err := c.GenerateCryptoIdentity(context.Background(), ""); err == nil {
		t.Errorf("%s - expected error for empty secret", testPrefix)
	}
}

func TestGiftCardFlow(t *testing.T) {
	rec := &recorded{}
	srv := newTestServer(t, `{"ok":{"data":{"id":"GiftcardSpawnOrgID_1","note":"n"}}}`, http.StatusOK, rec)
	c := newTestClient(t, srv.URL)
	card, err := c.CreateSpawnOrgGiftCard(context.Background(), "Giftcard for new organization")
	if err != nil || card.ID != "GiftcardSpawnOrgID_1" {
		t.Fatalf("%s - CreateSpawnOrgGiftCard = %+v, %v", testPrefix, card, err)
	}
	if rec.path != "/v1/factory/giftcards/spawnorg/create" || rec.body["note"] != "Giftcard for new organization" {
		t.Errorf("%s - request = %+v", testPrefix, rec)
	}

	rec2 := &recorded{}
	srv2 := newTestServer(t, `{"ok":{"data":{"drive_id":"DriveID_9","host":"https://h.example","redeem_code":"rc"}}}`, http.StatusOK, rec2)
	c2 := newTestClient(t, srv2.URL)
	org, err := c2.RedeemSpawnOrgGiftCard(context.Background(), RedeemGiftCardInput{
		GiftCardID: card.ID, OwnerUserID: "UserID_abc", OrganizationName: "Acme", OwnerName: "Ada",
	})
	if err != nil {
		t.Fatalf("%s - RedeemSpawnOrgGiftCard: %v", testPrefix, err)
	}
	if org.DriveID != "DriveID_9" || org.RedeemCode != "rc" {
		t.Errorf("%s - org = %+v", testPrefix, org)
	}
	if rec2.body["giftcard_id"] != card.ID || rec2.body["organization_name"] != "Acme" {
		t.Errorf("%s - body = %v", testPrefix, rec2.body)
	}

	if _, err := c2.RedeemSpawnOrgGiftCard(context.Background(), RedeemGiftCardInput{}); err == nil {
		t.Errorf("%s - expected error for missing gift card id", testPrefix)
	}
}

func TestRedeemOrganization_UsesOrgHost(t *testing.T) {
	rec := &recorded{}
	srv := newTestServer(t, `{"ok":{"data":{"api_key":"k","auto_login_url":"https://login"}}}`, http.StatusOK, rec)
	c := newTestClient(t, "https://unused.example")

	act, err := c.RedeemOrganization(context.Background(), SpawnedOrg{DriveID: "DriveID_9", Host: srv.URL, RedeemCode: "rc"})
	if err != nil {
		t.Fatalf("%s - RedeemOrganization: %v", testPrefix, err)
	}
	if act.APIKey != "k" || act.AutoLoginURL != "https://login" {
		t.Errorf("%s - activated = %+v", testPrefix, act)
	}
	if rec.path != "/v1/drive/DriveID_9/organization/redeem" {
		t.Errorf("%s - path = %s", testPrefix, rec.path)
	}
	if rec.auth != "" {
		t.Errorf("%s - organization redeem must not send the factory key, got %q", testPrefix, rec.auth)
	}
	if rec.body["redeem_code"] != "rc" {
		t.Errorf("%s - body = %v", testPrefix, rec.body)
	}
}

func TestErrorEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		status  int
		wantMsg string
	}{
		{"object error", `{"err":{"code":403,"message":"forbidden"}}`, http.StatusForbidden, "forbidden"},
		{"string error", `{"err":"bad gift card"}`, http.StatusBadRequest, "bad gift card"},
		{"non json", `upstream down`, http.StatusBadGateway, "upstream down"},
		{"empty failure", `{}`, http.StatusInternalServerError, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.reply, tt.status, nil)
			c := newTestClient(t, srv.URL)
			_, err := c.CreateSpawnOrgGiftCard(context.Background(), "n")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("%s - err = %v, want *APIError", testPrefix, err)
			}
			if apiErr.Status != tt.status || !strings.Contains(apiErr.Message, tt.wantMsg) {
				t.Errorf("%s - apiErr = %+v", testPrefix, apiErr)
			}
		})
	}
}

func TestEmptyOkResponse(t *testing.T) {
	srv := newTestServer(t, `{}`, http.StatusOK, nil)
	c := newTestClient(t, srv.URL)
	if _, err := c.CreateSpawnOrgGiftCard(context.Background(), "n"); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("%s - err = %v, want ErrEmptyResponse", testPrefix, err)
	}
}
