package sqlinline

// Credit ledger statements. Every mutation is one statement, so Postgres row
// locking makes them linearizable per user: concurrent debits serialize on
// the balance row and the `credits >= amount` guard is re-evaluated after the
// lock is acquired. QRefundGeneration flips the refunded flag and issues the
// credit in the same statement; either both commit or neither does, so a
// crashed or failed refund leaves the flag unset and can be retried.

const QTryDebit = `--sql 594fdbc1-6eb3-4c02-b9bb-74133c49f778
update users
set credits            = credits - $2,
    total_credits_used = total_credits_used + $2,
    updated_at         = now()
where id = $1::uuid
  and credits >= $2
returning credits;
`

const QCredit = `--sql 9804e173-5c57-4f8b-9442-26b4443cfe8a
update users
set credits    = credits + $2,
    updated_at = now()
where id = $1::uuid
returning credits;
`

const QRefundGeneration = `--sql 88a9f5bc-af18-49ab-97de-1800299bbb29
with flagged as (
    update generations
    set refunded   = true,
        updated_at = now()
    where id = $1::uuid
      and not refunded
      and status in ('FAILED', 'CANCELLED')
    returning user_id, credits_used
)
update users u
set credits    = u.credits + f.credits_used,
    updated_at = now()
from flagged f
where u.id = f.user_id;
`

const QInFlightCount = `--sql 82453b2c-8367-4fb0-891e-b45e6433ecca
select count(*)
from generations
where user_id = $1::uuid
  and status in ('QUEUED', 'RUNNING');
`

const QSelectUserByID = `--sql 41615a0e-3023-4f7f-9874-2042f89efdaf
select id, email, tier, credits, total_credits_used, created_at, updated_at
from users
where id = $1::uuid
limit 1;
`
