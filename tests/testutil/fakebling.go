package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// FakeInvoice is one invoice served by FakeBling
type FakeInvoice struct {
	ID        int64
	Number    string
	IssuedAt  time.Time
	Status    int
	ContactID int64
	Total     string
	Items     []FakeItem
	Payments  []FakePayment
}

// FakeItem is an invoice line
type FakeItem struct {
	Code        string
	Description string
	Quantity    string
	UnitValue   string
}

// FakePayment is an invoice installment
type FakePayment struct {
	Method string
	Amount string
}

// FakeBling is an in-process stand-in for the upstream ERP REST API and its
// OAuth2 token endpoint. Refresh tokens rotate on every use and a reused one
// is answered with invalid_grant, like the real service.
type FakeBling struct {
	Server *httptest.Server

	mu        sync.Mutex
	invoices  map[int64]FakeInvoice
	contacts  map[int64]map[string]any
	products  map[string]map[string]any
	failures  map[string]int
	access    map[string]bool
	refresh   map[string]bool
	issued    int
	calls     map[string]int
	expiresIn int
}

// NewFakeBling starts a FakeBling closed at the end of the test
func NewFakeBling(t *testing.T) *FakeBling {
	t.Helper()
	f := &FakeBling{
		invoices:  make(map[int64]FakeInvoice),
		contacts:  make(map[int64]map[string]any),
		products:  make(map[string]map[string]any),
		failures:  make(map[string]int),
		access:    make(map[string]bool),
		refresh:   make(map[string]bool),
		calls:     make(map[string]int),
		expiresIn: 21600,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", f.token)
	mux.HandleFunc("GET /nfe", f.authorized(f.listInvoices))
	mux.HandleFunc("GET /nfe/{id}", f.authorized(f.invoice))
	mux.HandleFunc("GET /contatos/{id}", f.authorized(f.contact))
	mux.HandleFunc("GET /produtos", f.authorized(f.product))
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the base URL of the fake API
func (f *FakeBling) URL() string { return f.Server.URL }

// TokenURL is the fake token endpoint
func (f *FakeBling) TokenURL() string { return f.Server.URL + "/oauth/token" }

// AddInvoice registers an invoice for listing and detail
func (f *FakeBling) AddInvoice(inv FakeInvoice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[inv.ID] = inv
}

// AddContact registers a contact
func (f *FakeBling) AddContact(id int64, name, document, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[id] = map[string]any{
		"id":              id,
		"nome":            name,
		"numeroDocumento": document,
		"tipo":            "J",
		"endereco":        map[string]any{"geral": map[string]any{"uf": state, "municipio": "Campinas"}},
	}
}

// AddProduct registers a product searchable by code
func (f *FakeBling) AddProduct(id int64, code, name, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[code] = map[string]any{
		"id":         id,
		"codigo":     code,
		"nome":       name,
		"preco":      price,
		"categoria":  map[string]any{"id": 9, "descricao": "Geral"},
		"fornecedor": map[string]any{"precoCusto": "1.50"},
	}
}

// FailPath makes every request to path answer status
func (f *FakeBling) FailPath(path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = status
}

// IssueTokens seeds a valid access/refresh pair as if an operator had authorized
func (f *FakeBling) IssueTokens() (access, refresh string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueLocked()
}

// Calls returns how many requests hit path
func (f *FakeBling) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *FakeBling) issueLocked() (string, string) {
	f.issued++
	access := fmt.Sprintf("access-%d", f.issued)
	refresh := fmt.Sprintf("refresh-%d", f.issued)
	f.access[access] = true
	f.refresh[refresh] = true
	return access, refresh
}

func (f *FakeBling) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["/oauth/token"]++

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") == "" {
			writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "missing code"})
			return
		}
	case "refresh_token":
		old := r.PostForm.Get("refresh_token")
		if !f.refresh[old] {
			writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "refresh token already used"})
			return
		}
		delete(f.refresh, old)
	default:
		writeFakeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	access, refresh := f.issueLocked()
	writeFakeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    f.expiresIn,
	})
}

func (f *FakeBling) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[r.URL.Path]++
		status := f.failures[r.URL.Path]
		valid := f.access[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
		f.mu.Unlock()

		if !valid {
			writeFakeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"type": "invalid_token"}})
			return
		}
		if status != 0 {
			writeFakeJSON(w, status, map[string]any{"error": map[string]string{"message": http.StatusText(status)}})
			return
		}
		next(w, r)
	}
}

func (f *FakeBling) listInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("pagina"))
	limit, _ := strconv.Atoi(q.Get("limite"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 100
	}
	from, to := q.Get("dataEmissaoInicial"), q.Get("dataEmissaoFinal")
	status, _ := strconv.Atoi(q.Get("situacao"))

	f.mu.Lock()
	matched := make([]FakeInvoice, 0, len(f.invoices))
	for _, inv := range f.invoices {
		day := inv.IssuedAt.Format(time.DateOnly)
		if (from != "" && day < from) || (to != "" && day > to) {
			continue
		}
		if status > 0 && inv.Status != status {
			continue
		}
		matched = append(matched, inv)
	}
	f.mu.Unlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	data := make([]map[string]any, 0, limit)
	for i := (page - 1) * limit; i < len(matched) && i < page*limit; i++ {
		inv := matched[i]
		data = append(data, map[string]any{
			"id":          inv.ID,
			"numero":      inv.Number,
			"dataEmissao": inv.IssuedAt.Format(time.DateTime),
			"situacao":    inv.Status,
			"contato":     map[string]any{"id": inv.ContactID},
		})
	}
	writeFakeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (f *FakeBling) invoice(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	f.mu.Lock()
	inv, ok := f.invoices[id]
	f.mu.Unlock()
	if !ok {
		writeFakeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"message": "invoice not found"}})
		return
	}

	items := make([]map[string]any, 0, len(inv.Items))
	for _, it := range inv.Items {
		items = append(items, map[string]any{
			"codigo":     it.Code,
			"descricao":  it.Description,
			"unidade":    "UN",
			"quantidade": it.Quantity,
			"valor":      it.UnitValue,
		})
	}
	installments := make([]map[string]any, 0, len(inv.Payments))
	for _, p := range inv.Payments {
		installments = append(installments, map[string]any{
			"valor":          p.Amount,
			"formaPagamento": map[string]any{"id": 1, "descricao": p.Method},
		})
	}
	writeFakeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"id":        inv.ID,
		"valorNota": inv.Total,
		"contato":   map[string]any{"id": inv.ContactID},
		"itens":     items,
		"parcelas":  installments,
	}})
}

func (f *FakeBling) contact(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	f.mu.Lock()
	c, ok := f.contacts[id]
	f.mu.Unlock()
	if !ok {
		writeFakeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"message": "contact not found"}})
		return
	}
	writeFakeJSON(w, http.StatusOK, map[string]any{"data": c})
}

func (f *FakeBling) product(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	p, ok := f.products[r.URL.Query().Get("codigo")]
	f.mu.Unlock()
	data := []map[string]any{}
	if ok {
		data = append(data, p)
	}
	writeFakeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func writeFakeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
