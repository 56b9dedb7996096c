package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskfront/intake/internal/payment"
	"github.com/taskfront/intake/model"
)

// createPayment charges the customer for a submitted intake. A decline is a
// user-visible error; a processor challenge comes back as a normal response
// carrying the client secret so the SPA can run the extra authentication and
// then confirm.
func (h *handlers) createPayment(w http.ResponseWriter, r *http.Request) {
	var req payment.ChargeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		WriteValidationError(w, []model.FieldError{{
			Field: "amount", Code: "min", Message: "amount must be positive",
		}})
		return
	}

	sess := model.MustSession(r.Context())
	result, err := h.deps.Payments.Charge(r.Context(), sess, req)
	if err != nil {
		h.recordPayment("declined")
		WriteError(w, err)
		return
	}

	h.recordPayment(result.Status)
	WriteJSON(w, http.StatusOK, result)
}

// confirmPayment completes a payment the processor challenged.
func (h *handlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	sess := model.MustSession(r.Context())

	result, err := h.deps.Payments.Confirm(r.Context(), sess, paymentID)
	if err != nil {
		h.recordPayment("declined")
		WriteError(w, err)
		return
	}

	h.recordPayment(result.Status)
	WriteJSON(w, http.StatusOK, result)
}

func (h *handlers) recordPayment(status string) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordPayment(status)
	}
}
