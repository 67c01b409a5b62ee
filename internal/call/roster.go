package call

import (
	"github.com/petervdpas/peercall/internal/session"
	"github.com/petervdpas/peercall/internal/signal"
)

// Reconciler keeps the participant roster consistent across full snapshots
// and incremental join/leave events, and decides when a roster change
// requires a fresh offer. Both update paths converge to the same set.
type Reconciler struct {
	store  *session.Store
	ch     Channel
	engine func() *Engine // current engine, nil when not in a call
}

func NewReconciler(store *session.Store, ch Channel, engine func() *Engine) *Reconciler {
	return &Reconciler{store: store, ch: ch, engine: engine}
}

// ApplySnapshot replaces the roster wholesale from a server room-state
// event and re-evaluates the offer trigger.
func (r *Reconciler) ApplySnapshot(snap signal.RoomState) {
	users := make([]session.Participant, 0, len(snap.Users))
	for _, u := range snap.Users {
		users = append(users, session.Participant{
			UserID:    u.UserID,
			Username:  u.Username,
			IsCreator: u.IsCreator,
		})
	}
	r.store.Dispatch(session.SetParticipants{Participants: users})

	sharer := ""
	if snap.ScreenSharing != nil {
		sharer = snap.ScreenSharing.UserID
	}
	r.store.Dispatch(session.SetScreenSharingUser{UserID: sharer})
	r.store.Dispatch(session.SetCreator{Creator: snap.IsCreator})

	log.Infof("roster snapshot: %d participants, creator=%v", len(users), snap.IsCreator)

	if len(users) < 2 {
		return
	}
	eng := r.engine()
	if eng == nil || !eng.Alive() || r.store.State().LocalStream == nil {
		return
	}
	// Let the dispatch above settle before negotiating off the new roster.
	eng.schedule(offerSettleDelay, func() {
		if err := eng.CreateOffer(); err != nil {
			log.Errorf("offer after roster snapshot: %v", err)
		}
	})
}

// UserJoined appends a participant. Duplicate join notifications for the
// same user id are collapsed to one roster entry.
func (r *Reconciler) UserJoined(evt signal.UserJoined) {
	st := r.store.State()
	for _, p := range st.Participants {
		if p.UserID == evt.UserID {
			log.Debugf("duplicate join for %s ignored", evt.UserID)
			return
		}
	}

	users := make([]session.Participant, 0, len(st.Participants)+1)
	users = append(users, st.Participants...)
	users = append(users, session.Participant{UserID: evt.UserID, Username: evt.Username})
	r.store.Dispatch(session.SetParticipants{Participants: users})
	log.Infof("%s (%s) joined", evt.Username, evt.UserID)

	if evt.UserID == r.ch.UserID() || !st.InCall || st.LocalStream == nil {
		return
	}
	eng := r.engine()
	if eng == nil || !eng.Alive() {
		return
	}
	joined := evt.UserID
	eng.schedule(offerSettleDelay, func() {
		// The joiner may already be gone; only negotiate against a
		// participant the roster still asserts.
		for _, p := range r.store.State().Participants {
			if p.UserID == joined {
				if err := eng.CreateOffer(); err != nil {
					log.Errorf("offer after %s joined: %v", joined, err)
				}
				return
			}
		}
		log.Debugf("%s left before offer settle, skipping", joined)
	})
}

// UserLeft removes a participant. Leaving never triggers renegotiation;
// the connection either survives or its own state machine recovers it.
func (r *Reconciler) UserLeft(evt signal.UserLeft) {
	st := r.store.State()
	users := make([]session.Participant, 0, len(st.Participants))
	for _, p := range st.Participants {
		if p.UserID != evt.UserID {
			users = append(users, p)
		}
	}
	if len(users) == len(st.Participants) {
		return
	}
	r.store.Dispatch(session.SetParticipants{Participants: users})
	if st.ScreenSharingUser == evt.UserID {
		r.store.Dispatch(session.SetScreenSharingUser{UserID: ""})
	}
	log.Infof("%s (%s) left", evt.Username, evt.UserID)
}
