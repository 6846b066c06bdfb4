package sqlinline

// Queue statements. A job row shares its primary key with the generation it
// belongs to, which makes enqueue idempotent by construction. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers never lease the same job.

const QEnqueueJob = `--sql 8e27e23d-c2c6-4e1d-a36e-d4e6442928d5
insert into generation_jobs (job_id, payload, status, attempts, max_attempts, available_at)
values ($1::uuid, $2::jsonb, 'queued', 0, $3, now())
on conflict (job_id) do nothing;
`

const QClaimJob = `--sql 25c2567c-c4ac-44de-b665-0bcdbc8308e0
with next_job as (
    select job_id
    from generation_jobs
    where status = 'queued'
      and available_at <= now()
    order by available_at asc
    for update skip locked
    limit 1
),
leased as (
    update generation_jobs
    set status = 'leased', leased_until = now() + ($1::bigint * interval '1 millisecond'), updated_at = now()
    where job_id in (select job_id from next_job)
    returning job_id, payload, status, attempts, max_attempts, available_at, leased_until, created_at, updated_at
)
select * from leased;
`

const QAckJob = `--sql fb05fb1e-57a1-4e58-ace2-fbfd5b7a6431
update generation_jobs
set status = 'done', updated_at = now()
where job_id = $1::uuid
  and status = 'leased';
`

const QRetryJob = `--sql dace5b46-65ed-4103-a1c3-fa1c0d49c66c
update generation_jobs
set status = 'queued',
    attempts = attempts + 1,
    available_at = now() + ($2::bigint * interval '1 millisecond'),
    updated_at = now()
where job_id = $1::uuid
  and status = 'leased'
  and attempts + 1 < max_attempts;
`

const QMarkJobDead = `--sql b4061eb8-086e-4e2a-92a2-73083ea4a77f
update generation_jobs
set status = 'dead', attempts = attempts + 1, updated_at = now()
where job_id = $1::uuid
  and status = 'leased';
`

const QReapExpiredLeases = `--sql f7296f06-161f-4dc6-a3ee-76ac7ba482fa
update generation_jobs
set status = 'queued', updated_at = now()
where status = 'leased'
  and leased_until < now();
`
