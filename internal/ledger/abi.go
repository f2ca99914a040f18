package ledger

// escrowABI is the interface of the deployed escrow contract.
const escrowABI = `[
  {"type":"function","name":"createTask","stateMutability":"payable","outputs":[],
   "inputs":[{"name":"_title","type":"string"},{"name":"_description","type":"string"},{"name":"_deadline","type":"uint256"}]},
  {"type":"function","name":"assignWorker","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"_taskId","type":"uint256"},{"name":"_worker","type":"address"}]},
  {"type":"function","name":"completeTask","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"_taskId","type":"uint256"}]},
  {"type":"function","name":"releasePayment","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"_taskId","type":"uint256"}]},
  {"type":"function","name":"refundTask","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"_taskId","type":"uint256"}]},
  {"type":"function","name":"getTask","stateMutability":"view",
   "inputs":[{"name":"_taskId","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple","internalType":"struct ArcusXEscrow.Task","components":[
     {"name":"employer","type":"address"},
     {"name":"worker","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"isCompleted","type":"bool"},
     {"name":"isPaid","type":"bool"},
     {"name":"deadline","type":"uint256"},
     {"name":"title","type":"string"},
     {"name":"description","type":"string"}]}]},
  {"type":"function","name":"getTaskCount","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"TaskCreated","anonymous":false,"inputs":[
     {"name":"taskId","type":"uint256","indexed":false},
     {"name":"employer","type":"address","indexed":false},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"title","type":"string","indexed":false}]},
  {"type":"event","name":"TaskAssigned","anonymous":false,"inputs":[
     {"name":"taskId","type":"uint256","indexed":false},
     {"name":"worker","type":"address","indexed":false}]},
  {"type":"event","name":"TaskCompleted","anonymous":false,"inputs":[
     {"name":"taskId","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentReleased","anonymous":false,"inputs":[
     {"name":"taskId","type":"uint256","indexed":false},
     {"name":"worker","type":"address","indexed":false},
     {"name":"amount","type":"uint256","indexed":false}]}
]`

const (
	methodCreateTask     = "createTask"
	methodAssignWorker   = "assignWorker"
	methodCompleteTask   = "completeTask"
	methodReleasePayment = "releasePayment"
	methodRefundTask     = "refundTask"
	methodGetTask        = "getTask"
	methodGetTaskCount   = "getTaskCount"
	eventTaskCreated     = "TaskCreated"
)
