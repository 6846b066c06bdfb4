package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func runI18N(t *testing.T, lookup CountryLookup, setup func(r *http.Request)) (locale, country string) {
	t.Helper()
	handler := I18N("en", lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		locale = LocaleFromContext(r.Context())
		country = CountryFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:4521"
	if setup != nil {
		setup(req)
	}
	handler.ServeHTTP(httptest.NewRecorder(), req)
	return locale, country
}

func TestI18NExplicitLocaleHeaderWins(t *testing.T) {
	locale, _ := runI18N(t, nil, func(r *http.Request) {
		r.Header.Set("X-Locale", "ja-JP")
		r.Header.Set("Accept-Language", "es")
	})
	if locale != "ja" {
		t.Fatalf("locale = %q, want ja", locale)
	}
}

func TestI18NAcceptLanguageMatched(t *testing.T) {
	locale, _ := runI18N(t, nil, func(r *http.Request) {
		r.Header.Set("Accept-Language", "id-ID,id;q=0.9,en;q=0.5")
	})
	if locale != "id" {
		t.Fatalf("locale = %q, want id", locale)
	}
}

func TestI18NUnsupportedLocaleFallsBack(t *testing.T) {
	locale, _ := runI18N(t, nil, func(r *http.Request) {
		r.Header.Set("X-Locale", "not-a-locale")
	})
	if locale != "en" {
		t.Fatalf("locale = %q, want en", locale)
	}
}

func TestI18NCountryHeaderShortCircuitsLookup(t *testing.T) {
	called := false
	lookup := func(string) (string, error) {
		called = true
		return "US", nil
	}
	_, country := runI18N(t, lookup, func(r *http.Request) {
		r.Header.Set("CF-IPCountry", "sg")
	})
	if country != "SG" {
		t.Fatalf("country = %q, want SG", country)
	}
	if called {
		t.Fatal("geo lookup ran despite country header")
	}
}

func TestI18NGeoLookupDrivesLocale(t *testing.T) {
	lookup := func(ip string) (string, error) {
		if ip != "203.0.113.7" {
			t.Errorf("lookup ip = %q", ip)
		}
		return "ID", nil
	}
	locale, country := runI18N(t, lookup, nil)
	if country != "ID" {
		t.Fatalf("country = %q, want ID", country)
	}
	if locale != "id" {
		t.Fatalf("locale = %q, want id", locale)
	}
}
