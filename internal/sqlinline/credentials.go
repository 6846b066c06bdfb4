package sqlinline

// Integration token statements back the DB-resident provider API keys that
// override environment configuration.

const QSelectIntegrationToken = `--sql 19215523-e0f3-471d-bd68-761b4b87c3d1
select token
from integration_tokens
where provider = $1`

const QUpsertIntegrationToken = `--sql c1c4b492-ae6e-4655-865a-222bdccb840c
insert into integration_tokens (provider, token, properties, updated_at)
values ($1, $2, $3, now())
on conflict (provider)
do update set token = excluded.token,
              properties = excluded.properties,
              updated_at = now()`
