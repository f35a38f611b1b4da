package hajstorage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/logex"
	"github.com/function61/hajautus/pkg/hajstorage/hajleasedb"
	"github.com/function61/hajautus/pkg/hajstorage/hajsharestore"
	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/function61/hajautus/pkg/scheduler"
	"github.com/gorilla/mux"
)

const unleasedListMax = 1000

func defineRestApi(router *mux.Router, s *server, logger *log.Logger) {
	logl := logex.Levels(logex.NonNil(logger))

	// "account" query param identifies the lease owner. absent = anonymous
	account := func(r *http.Request) string {
		return r.URL.Query().Get("account")
	}

	uploadShare := func(w http.ResponseWriter, r *http.Request) {
		si, shnum, err := shareFromRoute(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if s.conf.Readonly {
			httpError(w, errReadonly)
			return
		}

		if err := s.blacklist.Check(si); err != nil {
			s.metrics.prohibited.Inc()
			httpError(w, err)
			return
		}

		room, err := s.roomForShares()
		if err != nil {
			httpError(w, err)
			return
		}

		if room == 0 || r.ContentLength > room {
			httpError(w, errNotEnoughRoom)
			return
		}

		if err := s.db.Update(func(tx *hajleasedb.Tx) error {
			owner, err := tx.GetOrAllocateOwnerNum(account(r))
			if err != nil {
				return err
			}

			if err := tx.AddNewShare(si, shnum, 0); err != nil {
				return err
			}

			return tx.AddOrRenewLeases(si, shnum, owner, tx.Now(), tx.Now().Add(s.conf.DefaultLeaseDuration.Duration()))
		}); err != nil {
			httpError(w, err)
			return
		}

		size, err := s.store.Write(si, shnum, s.metrics.countWrite(http.MaxBytesReader(w, r.Body, room)))
		if err != nil {
			s.metrics.writeErrors.Inc()
			// write is atomic, so failure leaves nothing of ours on disk
			s.abortUpload(si, shnum, false)
			httpError(w, err)
			return
		}

		if size == 0 {
			s.abortUpload(si, shnum, true)
			http.Error(w, errEmptyShare.Error(), http.StatusBadRequest)
			return
		}

		if err := s.db.Update(func(tx *hajleasedb.Tx) error {
			return tx.MarkShareAsStable(si, shnum, size)
		}); err != nil {
			// crawler reaped the row if the upload took longer than abandoned_share_grace
			s.abortUpload(si, shnum, true)
			httpError(w, err)
			return
		}

		logl.Debug.Printf("stored %s/%d (%d bytes)", si.String(), shnum, size)

		w.WriteHeader(http.StatusCreated)
	}

	downloadShare := func(w http.ResponseWriter, r *http.Request) {
		si, shnum, err := shareFromRoute(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := s.blacklist.Check(si); err != nil {
			s.metrics.prohibited.Inc()
			httpError(w, err)
			return
		}

		var share *hajleasedb.Share
		if err := s.db.View(func(tx *hajleasedb.Tx) error {
			share, err = tx.GetShare(si, shnum)
			return err
		}); err != nil {
			httpError(w, err)
			return
		}

		// half-uploaded or being deleted
		if share.State != hajleasedb.ShareStateStable {
			http.Error(w, fmt.Sprintf("share is %s", share.State), http.StatusNotFound)
			return
		}

		file, err := s.store.Open(si, shnum)
		content := s.metrics.countRead(file, err)
		if err != nil {
			httpError(w, err)
			return
		}
		defer content.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(share.Used, 10))

		if _, err := io.Copy(w, content); err != nil {
			// headers are already sent, so this can't be reported to the client
			logl.Error.Printf("downloadShare %s/%d: %v", si.String(), shnum, err)
		}
	}

	// cancels the account's lease. the share goes away with its last lease
	cancelLease := func(w http.ResponseWriter, r *http.Request) {
		si, shnum, err := shareFromRoute(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		deleting := false

		if err := s.db.Update(func(tx *hajleasedb.Tx) error {
			owner, err := tx.LookupOwnerNum(account(r))
			if err != nil {
				return err
			}

			share, err := tx.GetShare(si, shnum)
			if err != nil {
				return err
			}

			removed, err := tx.RemoveLease(si, shnum, owner)
			if err != nil {
				return err
			}

			if !removed {
				return errNoLease
			}

			remaining, err := tx.GetShareLeases(si, shnum)
			if err != nil {
				return err
			}

			// GOING under the same transaction that saw no leases left
			if len(remaining) == 0 && share.State == hajleasedb.ShareStateStable {
				deleting = true
				return tx.MarkShareAsGoing(si, shnum)
			}

			return nil
		}); err != nil {
			httpError(w, err)
			return
		}

		if deleting {
			if err := s.deleteGoingShare(si, shnum); err != nil {
				// GOING row gets reaped by the crawler
				logl.Error.Printf("deleteGoingShare %s/%d: %v", si.String(), shnum, err)
				deleting = false
			}
		}

		outJSON(w, CancelLeaseOutput{ShareDeleted: deleting})
	}

	listShares := func(w http.ResponseWriter, r *http.Request) {
		si, err := hajtypes.StorageIndexFromString(mux.Vars(r)["si"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := s.blacklist.Check(si); err != nil {
			s.metrics.prohibited.Inc()
			httpError(w, err)
			return
		}

		out := SharesetInfo{StorageIndex: si.String(), Shares: []ShareInfo{}}

		if err := s.db.View(func(tx *hajleasedb.Tx) error {
			shares, err := tx.GetSharesOf(si)
			if err != nil {
				return err
			}

			for _, share := range shares {
				if share.State == hajleasedb.ShareStateStable {
					out.Shares = append(out.Shares, ShareInfo{ShareNumber: share.ShareNumber, Size: share.Used})
				}
			}

			return nil
		}); err != nil {
			httpError(w, err)
			return
		}

		outJSON(w, out)
	}

	renewLeases := func(w http.ResponseWriter, r *http.Request) {
		si, err := hajtypes.StorageIndexFromString(mux.Vars(r)["si"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// absent = every share of si, now and later
		shnum := hajtypes.WholeObject
		if shnumSerialized := r.URL.Query().Get("shnum"); shnumSerialized != "" {
			shnum, err = parseShareNumber(shnumSerialized)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		out := RenewLeasesOutput{StorageIndex: si.String(), Leases: []LeaseInfo{}}

		if err := s.db.Update(func(tx *hajleasedb.Tx) error {
			shares, err := tx.GetSharesOf(si)
			if err != nil {
				return err
			}

			if len(shares) == 0 {
				return fmt.Errorf("%w: no shares of %s", hajleasedb.ErrUnknownShare, si.String())
			}

			if !shnum.IsWholeObject() {
				share, err := tx.GetShare(si, shnum)
				if err != nil {
					return err
				}

				if share.State == hajleasedb.ShareStateGoing {
					return fmt.Errorf("%w: %s/%d is being deleted", hajleasedb.ErrUnknownShare, si.String(), shnum)
				}
			}

			out.Owner, err = tx.GetOrAllocateOwnerNum(account(r))
			if err != nil {
				return err
			}

			if err := tx.AddOrRenewLeases(si, shnum, out.Owner, tx.Now(), tx.Now().Add(s.conf.DefaultLeaseDuration.Duration())); err != nil {
				return err
			}

			leases, err := tx.GetLeases(si, out.Owner)
			if err != nil {
				return err
			}

			for _, lease := range leases {
				out.Leases = append(out.Leases, LeaseInfo{
					ShareNumber: lease.ShareNumber,
					Renewal:     lease.Renewal,
					Expiration:  lease.Expiration,
				})
			}

			return nil
		}); err != nil {
			httpError(w, err)
			return
		}

		outJSON(w, out)
	}

	accountUsage := func(w http.ResponseWriter, r *http.Request) {
		owner, err := strconv.ParseUint(mux.Vars(r)["owner"], 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var out *AccountUsage
		if err := s.db.View(func(tx *hajleasedb.Tx) error {
			account, err := tx.GetAccount(owner)
			if err != nil {
				return err
			}

			out, err = makeAccountUsage(tx, *account)
			return err
		}); err != nil {
			httpError(w, err)
			return
		}

		outJSON(w, out)
	}

	allAccounts := func(w http.ResponseWriter, r *http.Request) {
		out := []AccountUsage{}
		if err := s.db.View(func(tx *hajleasedb.Tx) error {
			accounts, err := tx.GetAllAccounts()
			if err != nil {
				return err
			}

			for _, account := range accounts {
				usage, err := makeAccountUsage(tx, account)
				if err != nil {
					return err
				}

				out = append(out, *usage)
			}

			return nil
		}); err != nil {
			httpError(w, err)
			return
		}

		outJSON(w, out)
	}

	unleasedShares := func(w http.ResponseWriter, r *http.Request) {
		out := []UnleasedShare{}
		if err := s.db.View(func(tx *hajleasedb.Tx) error {
			refs, err := tx.GetUnleasedShares(unleasedListMax)
			if err != nil {
				return err
			}

			for _, ref := range refs {
				share, err := tx.GetShare(ref.StorageIndex, ref.ShareNumber)
				if err != nil {
					return err
				}

				out = append(out, UnleasedShare{
					StorageIndex: share.StorageIndex,
					ShareNumber:  share.ShareNumber,
					Size:         share.Used,
				})
			}

			return nil
		}); err != nil {
			httpError(w, err)
			return
		}

		outJSON(w, out)
	}

	status := func(w http.ResponseWriter, r *http.Request) {
		out, err := s.status(r)
		if err != nil {
			httpError(w, err)
			return
		}

		outJSON(w, out)
	}

	triggerJob := func(w http.ResponseWriter, r *http.Request) {
		if err := s.jobs.Trigger(r.Context(), mux.Vars(r)["job"]); err != nil {
			httpError(w, err)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}

	router.HandleFunc("/api/shares/{si}", listShares).Methods(http.MethodGet)
	router.HandleFunc("/api/shares/{si}/{shnum}", uploadShare).Methods(http.MethodPut)
	router.HandleFunc("/api/shares/{si}/{shnum}", downloadShare).Methods(http.MethodGet)
	router.HandleFunc("/api/shares/{si}/{shnum}", cancelLease).Methods(http.MethodDelete)
	router.HandleFunc("/api/leases/{si}/renew", renewLeases).Methods(http.MethodPost)
	router.HandleFunc("/api/accounts", allAccounts).Methods(http.MethodGet)
	router.HandleFunc("/api/accounts/{owner}/usage", accountUsage).Methods(http.MethodGet)
	router.HandleFunc("/api/unleased", unleasedShares).Methods(http.MethodGet)
	router.HandleFunc("/api/jobs/{job}/trigger", triggerJob).Methods(http.MethodPost)
	router.HandleFunc("/api/status", status).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.HTTPHandler()).Methods(http.MethodGet)
}

func (s *server) status(r *http.Request) (*ServerStatus, error) {
	out := &ServerStatus{
		ServerID:  s.identity.serverID,
		Nickname:  s.conf.Nickname,
		PublicKey: s.identity.publicKey,
		FURL:      s.identity.furl(s.conf.AdvertisedAddr),
		Version:   dynversion.Version,
		Readonly:  s.conf.Readonly,
	}

	if err := s.db.View(func(tx *hajleasedb.Tx) error {
		var err error
		out.LeasedShares, out.UsedSpace, err = tx.GetTotalLeasedShareCountAndUsedSpace()
		if err != nil {
			return err
		}

		out.Sharesets, err = tx.GetNumberOfSharesets()
		return err
	}); err != nil {
		return nil, err
	}

	room, err := s.roomForShares()
	if err != nil {
		return nil, err
	}
	out.AvailableSpace = room

	out.Crawler, err = s.crawler.State()
	if err != nil {
		return nil, err
	}

	out.Jobs, err = s.jobs.Snapshot(r.Context())
	if err != nil {
		return nil, err
	}

	return out, nil
}

func makeAccountUsage(tx *hajleasedb.Tx, account hajleasedb.Account) (*AccountUsage, error) {
	usage, err := tx.GetAccountUsage(account.Owner)
	if err != nil {
		return nil, err
	}

	attributes := account.Attributes
	if attributes == nil {
		attributes = map[string]string{}
	}

	return &AccountUsage{
		Owner:      account.Owner,
		PublicKey:  account.PublicKey,
		Created:    account.Created,
		Usage:      usage,
		Attributes: attributes,
	}, nil
}

func shareFromRoute(r *http.Request) (hajtypes.StorageIndex, hajtypes.ShareNumber, error) {
	si, err := hajtypes.StorageIndexFromString(mux.Vars(r)["si"])
	if err != nil {
		return si, 0, err
	}

	shnum, err := parseShareNumber(mux.Vars(r)["shnum"])
	return si, shnum, err
}

func parseShareNumber(serialized string) (hajtypes.ShareNumber, error) {
	num, err := strconv.Atoi(serialized)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("%w: %s", hajtypes.ErrBadShareNumber, serialized)
	}

	return hajtypes.ShareNumber(num), nil
}

func httpError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), httpStatusFor(err))
}

func httpStatusFor(err error) int {
	var prohibited *hajtypes.FileProhibitedError
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &prohibited), errors.Is(err, errReadonly):
		return http.StatusForbidden
	case errors.Is(err, hajleasedb.ErrUnknownShare),
		errors.Is(err, hajleasedb.ErrUnknownAccount),
		errors.Is(err, hajsharestore.ErrShareNotFound),
		errors.Is(err, errNoLease),
		errors.Is(err, scheduler.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, hajleasedb.ErrShareAlreadyExists),
		errors.Is(err, hajleasedb.ErrIllegalStateTransition),
		errors.Is(err, hajsharestore.ErrShareExists):
		return http.StatusConflict
	case errors.Is(err, errNotEnoughRoom), errors.As(err, &tooLarge):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func outJSON(w http.ResponseWriter, out any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(out); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
