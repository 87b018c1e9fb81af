package evm

// RegistryABI is the interface of the agent registry contract. It tracks
// agents, consumes payment hashes and records execution outcomes.
const RegistryABI = `[
  {"type":"function","name":"beginExecution","stateMutability":"nonpayable",
   "inputs":[{"name":"agentId","type":"uint256"},{"name":"paymentHash","type":"bytes32"},{"name":"input","type":"string"}],
   "outputs":[{"name":"executionId","type":"uint256"}]},
  {"type":"function","name":"completeExecution","stateMutability":"nonpayable",
   "inputs":[{"name":"executionId","type":"uint256"},{"name":"output","type":"string"},{"name":"success","type":"bool"}],
   "outputs":[]},
  {"type":"function","name":"getAgent","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"uint256"}],
   "outputs":[
     {"name":"name","type":"string"},
     {"name":"description","type":"string"},
     {"name":"price","type":"uint256"},
     {"name":"beneficiary","type":"address"},
     {"name":"totalExecutions","type":"uint256"},
     {"name":"successfulExecutions","type":"uint256"},
     {"name":"reputation","type":"uint256"},
     {"name":"active","type":"bool"}]},
  {"type":"function","name":"isPaymentUsed","stateMutability":"view",
   "inputs":[{"name":"paymentHash","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"ExecutionStarted","anonymous":false,
   "inputs":[
     {"name":"agentId","type":"uint256","indexed":true},
     {"name":"paymentHash","type":"bytes32","indexed":true},
     {"name":"executionId","type":"uint256","indexed":false}]}
]`

// EscrowABI is the interface of the payment escrow contract.
const EscrowABI = `[
  {"type":"function","name":"releasePayment","stateMutability":"nonpayable",
   "inputs":[{"name":"paymentHash","type":"bytes32"},{"name":"agentId","type":"uint256"}],
   "outputs":[]}
]`
