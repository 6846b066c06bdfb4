package sqlinline

// Generation statements. Every transition carries its expected prior status
// in the WHERE clause; a zero-row update means the transition lost a race
// and the caller must re-read instead of overwriting a terminal state.

const QInsertGeneration = `--sql 97dd5ddb-5232-4165-8bdc-b09658047212
insert into generations (
    id, user_id, preset_id, provider, input_values, source_image_ref,
    output_size, credits_used, status
)
values ($1::uuid, $2::uuid, $3::uuid, $4, $5::jsonb, $6, $7, $8, 'QUEUED');
`

const QSelectGeneration = `--sql 3c0113b7-636d-41ad-b08a-dd67f6cfa430
select id, user_id, preset_id, provider, input_values, source_image_ref,
       output_size, credits_used, status, coalesce(output_url, ''),
       coalesce(error_message, ''), refunded, created_at, updated_at
from generations
where id = $1::uuid
limit 1;
`

const QSelectGenerationForUser = `--sql cb277d13-b8a1-4e30-8073-16f408f20f68
select id, user_id, preset_id, provider, input_values, source_image_ref,
       output_size, credits_used, status, coalesce(output_url, ''),
       coalesce(error_message, ''), refunded, created_at, updated_at
from generations
where id = $1::uuid
  and user_id = $2::uuid
limit 1;
`

const QListGenerationsByUser = `--sql a86454d6-7436-49c7-88a6-0b57c8e52a3d
select id, user_id, preset_id, provider, input_values, source_image_ref,
       output_size, credits_used, status, coalesce(output_url, ''),
       coalesce(error_message, ''), refunded, created_at, updated_at
from generations
where user_id = $1::uuid
order by created_at desc
limit $2;
`

const QMarkGenerationRunning = `--sql f2725d06-ae52-4c5a-a570-4d2157b2aac0
update generations
set status = 'RUNNING', updated_at = now()
where id = $1::uuid
  and status = 'QUEUED';
`

const QMarkGenerationCompleted = `--sql b51d8c93-6378-4a9b-914c-9b891ad32c79
update generations
set status = 'COMPLETED', output_url = $2, updated_at = now()
where id = $1::uuid
  and status = 'RUNNING';
`

const QMarkGenerationFailed = `--sql 4e1c8225-53d2-44b9-a034-e53fc927311a
update generations
set status = 'FAILED', error_message = $2, updated_at = now()
where id = $1::uuid
  and status in ('QUEUED', 'RUNNING');
`

const QMarkGenerationCancelled = `--sql c7cb99c0-41f3-43a4-abb2-8cb7b294f651
update generations
set status = 'CANCELLED', updated_at = now()
where id = $1::uuid
  and status in ('QUEUED', 'RUNNING');
`
